package engine

import (
	"time"

	"github.com/kasuganosora/vaultstore/pkg/index"
	"github.com/kasuganosora/vaultstore/pkg/valuetype"
	"github.com/kasuganosora/vaultstore/pkg/version"
)

// FieldSpec is a minimal per-field schema constraint: whether the field
// must be present on every record, and, if Kind is not KindNull, which
// valuetype.Kind its value must have.
type FieldSpec struct {
	Required bool
	Kind     valuetype.Kind
}

// Options configures a new Store.
type Options struct {
	// KeyField names the primary-key field (default "id"). A Set with a
	// blank key takes its key from that field's value or, when the field
	// is absent or null, generates a uuid and writes it into that field.
	KeyField string

	// Immutable mirrors through to the underlying RecordStore: Get
	// returns independent clones rather than shared references.
	Immutable bool

	// Delimiter is the default composite-index key delimiter applied to
	// any IndexSpecs entry that does not set its own.
	Delimiter string

	IndexSpecs []index.Decl

	EnableVersioning bool
	DefaultRetention version.RetentionPolicy

	EnableTransactions bool
	TransactionTimeout time.Duration

	// DisableOptimization turns the cost-based query planner off; Find
	// then always resolves criteria by direct scan. Planning is on by
	// default.
	DisableOptimization bool

	Schema map[string]FieldSpec
}

func (o Options) delimiterOrDefault() string {
	if o.Delimiter == "" {
		return "|"
	}
	return o.Delimiter
}
