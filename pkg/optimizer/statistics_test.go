package optimizer

import (
	"testing"

	"github.com/kasuganosora/vaultstore/pkg/valuetype"
	"github.com/stretchr/testify/assert"
)

func recs(emails []string) []valuetype.Record {
	out := make([]valuetype.Record, 0, len(emails))
	for _, e := range emails {
		out = append(out, valuetype.Record{"email": valuetype.String(e)})
	}
	return out
}

func TestUpdateComputesFieldCardinality(t *testing.T) {
	s := NewStatistics()
	s.Update(recs([]string{"a@x.com", "b@x.com", "a@x.com"}), nil)

	assert.Equal(t, 3, s.RecordCount())
	assert.Equal(t, 2, s.EstimateRows("email"))
}

func TestEstimateRowsFallsBackToRecordCountForUnknownField(t *testing.T) {
	s := NewStatistics()
	s.Update(recs([]string{"a@x.com"}), nil)
	assert.Equal(t, 1, s.EstimateRows("missing_field"))
}

func TestEstimateRowsForCriteriaUsesMostSelectiveField(t *testing.T) {
	s := NewStatistics()
	records := []valuetype.Record{
		{"dept": valuetype.String("eng"), "email": valuetype.String("a@x.com")},
		{"dept": valuetype.String("eng"), "email": valuetype.String("b@x.com")},
		{"dept": valuetype.String("hr"), "email": valuetype.String("c@x.com")},
	}
	s.Update(records, nil)

	// email is unique per record (cardinality 3, est 1 row); dept has
	// cardinality 2 (est 1-2 rows). The most selective field wins.
	est := s.EstimateRowsForCriteria(map[string]string{"dept": "eng", "email": "a@x.com"})
	assert.Equal(t, 1, est)
}

func TestNullCountTracksMissingFields(t *testing.T) {
	s := NewStatistics()
	records := []valuetype.Record{
		{"email": valuetype.Null()},
		{"email": valuetype.String("a@x.com")},
	}
	s.Update(records, nil)
	assert.Equal(t, 1, s.NullCount("email"))
}

func TestIndexCardinalityReflectsLastUpdate(t *testing.T) {
	s := NewStatistics()
	s.Update(nil, map[string]int{"by_email": 42})
	assert.Equal(t, 42, s.IndexCardinality("by_email"))
}
