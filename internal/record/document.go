package record

import "time"

// Document is a record as held by a storage tier: its field map plus
// the modification instant used for conflict detection.
type Document struct {
	Fields     Fields
	LastUpdate time.Time
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	return &Document{Fields: d.Fields.Clone(), LastUpdate: d.LastUpdate}
}
