package changeset

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/serial-entry/internal/function"
	"github.com/noah-isme/serial-entry/internal/obs"
	"github.com/noah-isme/serial-entry/internal/value"
)

// Row is the view of a serial entry row the processor needs.
type Row interface {
	DestinationRecordID() string
	SourceRecordID() string
	ListingRecordID() string
	ChildRecordID(child int) string
	Deleted() bool
	ValueAt(i int) value.Value
	OriginalAt(i int) value.Value
	ValueForFunction(name function.Name) (value.Value, bool)
}

// Column maps a row column onto a destination field.
type Column struct {
	Index    int
	Field    string
	Function function.Name
	// Child is the child relation written, RootChild for the root record.
	Child int
	// InitialValue is applied to new records while the cell is empty.
	InitialValue string
}

// Child describes one child relation of the destination record.
type Child struct {
	InfoArea       string
	TemplateFilter map[string]string
}

// Layout describes the destination records of a serial entry.
type Layout struct {
	InfoArea        string
	Columns         []Column
	Children        []Child
	TemplateFilter  map[string]string
	SourceInfoArea  string
	ParentInfoArea  string
	ListingInfoArea string
	// SyncAfterChildren appends a sync record for the root.
	SyncAfterChildren bool
	// SaveUnchanged writes unchanged non-empty values as well.
	SaveUnchanged bool
}

// Processor assembles change sets.
type Processor struct {
	Layout Layout
	Params map[string]string
	Now    func() time.Time
	NewID  func() string
	Logger zerolog.Logger
}

// NewProcessor returns a processor with the default clock and id generator.
func NewProcessor(layout Layout, params map[string]string, logger zerolog.Logger) *Processor {
	return &Processor{
		Layout: layout,
		Params: params,
		Now:    time.Now,
		NewID:  uuid.NewString,
		Logger: logger,
	}
}

func (p *Processor) newID() string {
	if p.NewID != nil {
		return p.NewID()
	}
	return uuid.NewString()
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// InitialValue interprets a template-filter or initial-value rule.
//
//	Copy:<Function>  the row's value for that function
//	$<Param>         a session parameter ($curDay, $curUser or caller-supplied)
//	Value:<literal>  the literal
//
// Anything else is taken literally.
func (p *Processor) InitialValue(rule string, row Row) string {
	switch {
	case strings.HasPrefix(rule, "Copy:"):
		if row == nil {
			return ""
		}
		v, ok := row.ValueForFunction(function.Name(strings.TrimPrefix(rule, "Copy:")))
		if !ok {
			return ""
		}
		return v.String()
	case strings.HasPrefix(rule, "$"):
		name := strings.TrimPrefix(rule, "$")
		if v, ok := p.Params[name]; ok {
			return v
		}
		switch name {
		case "curDay":
			return p.now().Format("2006-01-02")
		case "curTime":
			return p.now().Format("15:04")
		}
		return ""
	case strings.HasPrefix(rule, "Value:"):
		return strings.TrimPrefix(rule, "Value:")
	default:
		return rule
	}
}

func (p *Processor) applyTemplate(rec *Record, filter map[string]string, row Row) bool {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	applied := false
	for _, field := range keys {
		if v := p.InitialValue(filter[field], row); v != "" {
			rec.Set(field, v)
			applied = true
		}
	}
	return applied
}

type childState struct {
	rec       *Record
	persisted bool
	nonEmpty  bool
}

// ChangedChildRecordsForRootRecordParentRecord builds the records that persist
// row under the parent record. A deleted row yields delete records for every
// stored child plus the root; a deleted row never stored yields nothing.
func (p *Processor) ChangedChildRecordsForRootRecordParentRecord(row Row, parentRecordID string) []Record {
	layout := p.Layout
	destID := row.DestinationRecordID()
	persisted := Persisted(destID)

	if row.Deleted() {
		if !persisted {
			return nil
		}
		var out []Record
		for c, child := range layout.Children {
			if id := row.ChildRecordID(c); Persisted(id) {
				out = append(out, Record{InfoArea: child.InfoArea, RecordID: id, Mode: ModeDelete, Child: c})
			}
		}
		out = append(out, Record{InfoArea: layout.InfoArea, RecordID: destID, Mode: ModeDelete, Child: RootChild})
		p.count(out)
		return out
	}

	root := &Record{InfoArea: layout.InfoArea, RecordID: destID, Mode: ModeUpdate, Child: RootChild}
	templated := false
	if !persisted {
		root.RecordID = p.newID()
		root.Mode = ModeInsert
		templated = p.applyTemplate(root, layout.TemplateFilter, row)
		root.Links = p.rootLinks(row, parentRecordID)
	}

	children := make([]*childState, len(layout.Children))
	child := func(c int) *childState {
		if children[c] != nil {
			return children[c]
		}
		cs := &childState{rec: &Record{InfoArea: layout.Children[c].InfoArea, Child: c, Mode: ModeUpdate}}
		if id := row.ChildRecordID(c); Persisted(id) && persisted {
			cs.rec.RecordID, cs.persisted = id, true
		} else {
			cs.rec.RecordID = p.newID()
			cs.rec.Mode = ModeInsert
			p.applyTemplate(cs.rec, layout.Children[c].TemplateFilter, row)
		}
		cs.rec.Links = []Link{{InfoArea: layout.InfoArea, RecordID: root.RecordID}}
		children[c] = cs
		return cs
	}

	for _, col := range layout.Columns {
		cur := row.ValueAt(col.Index)
		orig := row.OriginalAt(col.Index)
		isNew := !persisted
		var cs *childState
		target := root
		if col.Child >= 0 && col.Child < len(layout.Children) {
			cs = child(col.Child)
			target = cs.rec
			isNew = !cs.persisted
		}
		if cur.IsEmpty() && isNew && col.InitialValue != "" {
			cur = value.Text(p.InitialValue(col.InitialValue, row))
		}
		if cs != nil && !cur.IsEmpty() {
			cs.nonEmpty = true
		}
		differs := !cur.Equal(orig)
		if differs {
			target.Set(col.Field, cur.String())
			target.HasValues = true
		} else if layout.SaveUnchanged && !cur.IsEmpty() {
			target.Set(col.Field, cur.String())
		}
	}

	var (
		childRecords []Record
		newChild     bool
	)
	for c, cs := range children {
		if cs == nil {
			continue
		}
		if !cs.nonEmpty {
			if cs.persisted {
				childRecords = append(childRecords, Record{InfoArea: cs.rec.InfoArea, RecordID: cs.rec.RecordID, Mode: ModeDelete, Child: c})
			}
			continue
		}
		if cs.rec.HasValues || (layout.SaveUnchanged && len(cs.rec.Fields) > 0) {
			childRecords = append(childRecords, *cs.rec)
			if !cs.persisted {
				newChild = true
			}
		}
	}

	var out []Record
	includeRoot := root.HasValues || templated || (newChild && !persisted) ||
		(layout.SaveUnchanged && len(root.Fields) > 0)
	if includeRoot {
		out = append(out, *root)
	}
	out = append(out, childRecords...)
	if layout.SyncAfterChildren && len(out) > 0 {
		out = append(out, Record{InfoArea: layout.InfoArea, RecordID: root.RecordID, Mode: ModeSync, Child: RootChild})
	}
	p.count(out)
	return out
}

func (p *Processor) rootLinks(row Row, parentRecordID string) []Link {
	var links []Link
	if id := row.SourceRecordID(); id != "" && p.Layout.SourceInfoArea != "" {
		links = append(links, Link{InfoArea: p.Layout.SourceInfoArea, RecordID: id})
	}
	if parentRecordID != "" && p.Layout.ParentInfoArea != "" {
		links = append(links, Link{InfoArea: p.Layout.ParentInfoArea, RecordID: parentRecordID})
	}
	if id := row.ListingRecordID(); id != "" && p.Layout.ListingInfoArea != "" {
		links = append(links, Link{InfoArea: p.Layout.ListingInfoArea, RecordID: id})
	}
	return links
}

func (p *Processor) count(records []Record) {
	byMode := make(map[Mode]int)
	for _, r := range records {
		byMode[r.Mode]++
	}
	for m, n := range byMode {
		obs.AddChangesetRecords(m.String(), n)
	}
	if len(records) > 0 {
		p.Logger.Debug().Int("records", len(records)).Msg("change set assembled")
	}
}
