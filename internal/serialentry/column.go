package serialentry

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/serial-entry/internal/changeset"
	"github.com/noah-isme/serial-entry/internal/function"
)

// ColumnKind classifies where a column's value comes from and where it goes.
type ColumnKind int

const (
	// KindSource columns show source record values.
	KindSource ColumnKind = iota
	// KindListing columns show listing values.
	KindListing
	// KindDestination columns are persisted on the destination record.
	KindDestination
	// KindDestinationChild columns are persisted on a child record.
	KindDestinationChild
)

func (k ColumnKind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindListing:
		return "listing"
	case KindDestination:
		return "destination"
	case KindDestinationChild:
		return "destination_child"
	default:
		return "unknown"
	}
}

// Column is one configured serial entry column.
type Column struct {
	Index    int           `validate:"gte=0"`
	Function function.Name `validate:"omitempty,max=64"`
	Kind     ColumnKind    `validate:"gte=0,lte=3"`
	// Field is the persisted field name of destination columns.
	Field string `validate:"required_if=Kind 2,required_if=Kind 3"`
	// ChildIndex selects the child relation of KindDestinationChild columns.
	ChildIndex int `validate:"gte=0"`
	// HasParent makes an edit of ParentColumnIndex clear this column.
	HasParent         bool
	ParentColumnIndex int `validate:"gte=0"`
	// EmptyValue is the sentinel marking the column as empty (e.g. "0").
	EmptyValue string
	// ChildSum makes a destination column the sum of the child columns sharing its function.
	ChildSum     bool
	InitialValue string
}

// Columns is the immutable column set of a session.
type Columns struct {
	list     []Column
	byFunc   function.Index
	rebates  []int
	children int
}

var columnValidator = validator.New()

// NewColumns validates cols. Column indexes must equal their position.
func NewColumns(cols []Column) (*Columns, error) {
	names := make([]function.Name, len(cols))
	c := &Columns{list: make([]Column, len(cols))}
	for i, col := range cols {
		if col.Index != i {
			return nil, fmt.Errorf("serialentry: column %d declares index %d", i, col.Index)
		}
		if err := columnValidator.Struct(col); err != nil {
			return nil, fmt.Errorf("serialentry: column %d: %w", i, err)
		}
		if col.HasParent && (col.ParentColumnIndex >= len(cols) || col.ParentColumnIndex == i) {
			return nil, fmt.Errorf("serialentry: column %d has parent %d out of range", i, col.ParentColumnIndex)
		}
		if col.Kind == KindDestinationChild && col.ChildIndex+1 > c.children {
			c.children = col.ChildIndex + 1
		}
		c.list[i] = col
		names[i] = col.Function
		if col.Function.IsRebate() {
			c.rebates = append(c.rebates, i)
		}
	}
	c.byFunc = function.NewIndex(names)
	return c, nil
}

// Len returns the column count.
func (c *Columns) Len() int { return len(c.list) }

// At returns column i.
func (c *Columns) At(i int) Column { return c.list[i] }

// Children returns the number of child relations.
func (c *Columns) Children() int { return c.children }

// Rebates returns the rebate column indexes.
func (c *Columns) Rebates() []int { return c.rebates }

// Index returns the first non-child column carrying fn.
func (c *Columns) Index(fn function.Name) (int, bool) {
	for _, i := range c.byFunc.All(fn) {
		if c.list[i].Kind != KindDestinationChild {
			return i, true
		}
	}
	return -1, false
}

// All returns every column carrying fn.
func (c *Columns) All(fn function.Name) []int { return c.byFunc.All(fn) }

// Has reports whether any column carries fn.
func (c *Columns) Has(fn function.Name) bool { return c.byFunc.Has(fn) }

// copies returns the non-child, non-sum columns sharing fn.
func (c *Columns) copies(fn function.Name) []int {
	var out []int
	for _, i := range c.byFunc.All(fn) {
		col := c.list[i]
		if col.Kind == KindDestinationChild || col.ChildSum {
			continue
		}
		out = append(out, i)
	}
	return out
}

// childColumns returns the child columns sharing fn.
func (c *Columns) childColumns(fn function.Name) []int {
	var out []int
	for _, i := range c.byFunc.All(fn) {
		if c.list[i].Kind == KindDestinationChild {
			out = append(out, i)
		}
	}
	return out
}

// Layout projects the destination columns into a change-set layout.
func (c *Columns) Layout(base changeset.Layout) changeset.Layout {
	base.Columns = nil
	for _, col := range c.list {
		switch col.Kind {
		case KindDestination:
			base.Columns = append(base.Columns, changeset.Column{
				Index: col.Index, Field: col.Field, Function: col.Function,
				Child: changeset.RootChild, InitialValue: col.InitialValue,
			})
		case KindDestinationChild:
			base.Columns = append(base.Columns, changeset.Column{
				Index: col.Index, Field: col.Field, Function: col.Function,
				Child: col.ChildIndex, InitialValue: col.InitialValue,
			})
		}
	}
	for len(base.Children) < c.children {
		base.Children = append(base.Children, changeset.Child{})
	}
	return base
}
