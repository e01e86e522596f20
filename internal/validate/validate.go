package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/you/bulkingest/internal/domain"
)

const (
	maxNameLen  = 255
	maxFoodsLen = 255
	minAge      = 0
	maxAge      = 150
)

// ErrEmptyBatch rejects a submission with zero records.
var ErrEmptyBatch = errors.New("batch contains no records")

// Age accepts either a JSON number or a numeric string, since clients
// submit both forms. Empty means the field was absent or null.
type Age string

func (a *Age) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*a = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = Age(strings.TrimSpace(s))
		return nil
	}
	*a = Age(b)
	return nil
}

// RawRecord is an unvalidated row as decoded from a request body.
type RawRecord struct {
	Name  string `json:"name"`
	Age   Age    `json:"age"`
	Foods string `json:"foods"`
}

type FieldError struct {
	Index  int    `json:"index"` // 0-based position in the submitted batch
	Reason string `json:"reason"`
}

// BatchError reports every invalid row in a batch.
type BatchError struct {
	Errors []FieldError
	Total  int // number of records in the batch
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("found %d invalid records out of %d", len(e.Errors), e.Total)
}

// Batch validates a full batch and returns the canonical records. The
// whole batch is rejected if any record is invalid: the returned
// *BatchError lists all of them. Pure and safe for concurrent use.
func Batch(raw []RawRecord) ([]domain.Record, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyBatch
	}

	records := make([]domain.Record, 0, len(raw))
	var bad []FieldError
	for i, r := range raw {
		rec, reason := one(r)
		if reason != "" {
			bad = append(bad, FieldError{Index: i, Reason: reason})
			continue
		}
		records = append(records, rec)
	}
	if len(bad) > 0 {
		return nil, &BatchError{Errors: bad, Total: len(raw)}
	}
	return records, nil
}

func one(r RawRecord) (domain.Record, string) {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return domain.Record{}, "name is required"
	}
	if len(name) > maxNameLen {
		return domain.Record{}, fmt.Sprintf("name exceeds %d characters", maxNameLen)
	}

	if r.Age == "" {
		return domain.Record{}, "age is required"
	}
	f, err := strconv.ParseFloat(string(r.Age), 64)
	if err != nil {
		return domain.Record{}, "age must be a number"
	}
	if f != math.Trunc(f) {
		return domain.Record{}, "age must be a whole number"
	}
	age := int(f)
	if age < minAge || age > maxAge {
		return domain.Record{}, fmt.Sprintf("age must be between %d and %d", minAge, maxAge)
	}

	foods := strings.TrimSpace(r.Foods)
	if foods == "" {
		return domain.Record{}, "foods is required"
	}
	if len(foods) > maxFoodsLen {
		return domain.Record{}, fmt.Sprintf("foods exceeds %d characters", maxFoodsLen)
	}

	return domain.Record{Name: name, Age: age, Foods: foods}, ""
}
