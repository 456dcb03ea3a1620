package buyers

import (
	"bytes"
	"encoding/json"
	"reflect"
)

// Canonical field order for lead snapshots. Diff output follows this order
// filtered to the candidate field set.
var leadFieldNames = []string{
	"fullName", "email", "phone", "city", "propertyType", "bhk", "purpose",
	"budgetMin", "budgetMax", "timeline", "source", "status", "notes", "tags",
	"ownerId",
}

// FieldChange records one before/after pair for a single logical field.
type FieldChange struct {
	Field string
	Old   any
	New   any
}

// ChangeSet is an insertion-ordered field-level diff between two snapshots
// of the same lead.
type ChangeSet []FieldChange

// Empty reports whether no field differs.
func (c ChangeSet) Empty() bool {
	return len(c) == 0
}

// MarshalJSON encodes the diff as {"field":[old,new],...} preserving
// insertion order.
func (c ChangeSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, change := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(change.Field)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteString(":[")
		oldValue, err := json.Marshal(change.Old)
		if err != nil {
			return nil, err
		}
		buf.Write(oldValue)
		buf.WriteByte(',')
		newValue, err := json.Marshal(change.New)
		if err != nil {
			return nil, err
		}
		buf.Write(newValue)
		buf.WriteString("]")
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// leadFieldValue extracts the comparable value of one logical field.
func leadFieldValue(lead Lead, field string) any {
	switch field {
	case "fullName":
		return lead.FullName
	case "email":
		return lead.Email
	case "phone":
		return lead.Phone
	case "city":
		return lead.City
	case "propertyType":
		return lead.PropertyType
	case "bhk":
		return lead.BHK
	case "purpose":
		return lead.Purpose
	case "budgetMin":
		if lead.BudgetMin == nil {
			return nil
		}
		return *lead.BudgetMin
	case "budgetMax":
		if lead.BudgetMax == nil {
			return nil
		}
		return *lead.BudgetMax
	case "timeline":
		return lead.Timeline
	case "source":
		return lead.Source
	case "status":
		return lead.Status
	case "notes":
		return lead.Notes
	case "tags":
		tags := lead.Tags()
		if tags == nil {
			tags = []string{}
		}
		return tags
	case "ownerId":
		return lead.OwnerID
	default:
		return nil
	}
}

// computeDiff compares the old and new snapshots over the candidate field
// set under value equality. Fields outside the candidate set are excluded
// entirely, never reported as changed to absent.
func computeDiff(oldLead, newLead Lead, candidateFields []string) ChangeSet {
	var changes ChangeSet
	for _, field := range candidateFields {
		oldValue := leadFieldValue(oldLead, field)
		newValue := leadFieldValue(newLead, field)
		if !reflect.DeepEqual(oldValue, newValue) {
			changes = append(changes, FieldChange{Field: field, Old: oldValue, New: newValue})
		}
	}
	return changes
}
