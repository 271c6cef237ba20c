// Package invoice derives human-readable transaction numbers of the form
// PREFIX-YYYYMMDD-NNNN.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stockroom-erp/stockroom/internal/txkind"
)

// DefaultMaxAttempts bounds the collision retry loop.
const DefaultMaxAttempts = 5

const dateLayout = "20060102"

var prefixes = map[txkind.Type]string{
	txkind.Sale:            "INV",
	txkind.Purchase:        "PO",
	txkind.CustomerReturn:  "CRET",
	txkind.SupplierReturn:  "SRET",
	txkind.StockAdjustment: "ADJ",
}

var (
	// ErrNumberGenerationExhausted is returned when every attempted sequence was taken.
	// Callers may retry the whole operation.
	ErrNumberGenerationExhausted = errors.New("invoice: number generation exhausted")
	// ErrUnknownType indicates a transaction type without a prefix.
	ErrUnknownType = errors.New("invoice: unknown transaction type")
)

// Lookup exposes the uniqueness checks the generator needs from the store.
type Lookup interface {
	// InvoiceNumbersWithPrefix returns existing numbers starting with prefix.
	InvoiceNumbersWithPrefix(ctx context.Context, prefix string) ([]string, error)
	// InvoiceNumberExists reports whether number is already taken.
	InvoiceNumberExists(ctx context.Context, number string) (bool, error)
}

// Generator builds invoice numbers.
type Generator struct {
	MaxAttempts int
	Clock       func() time.Time
}

// NewGenerator returns a Generator with the given attempt bound and clock.
// Zero values fall back to DefaultMaxAttempts and time.Now.
func NewGenerator(maxAttempts int, clock func() time.Time) *Generator {
	return &Generator{MaxAttempts: maxAttempts, Clock: clock}
}

// Prefix returns the number prefix for a transaction type.
func Prefix(typ txkind.Type) (string, error) {
	p, ok := prefixes[typ]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	return p, nil
}

// Format renders a number from its parts.
func Format(prefix string, date time.Time, seq int) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, date.Format(dateLayout), seq)
}

// ParseSequence extracts the sequence of number when it belongs to the given
// PREFIX-YYYYMMDD- stem.
func ParseSequence(number, stem string) (int, bool) {
	rest, ok := strings.CutPrefix(number, stem)
	if !ok || len(rest) < 4 {
		return 0, false
	}
	seq, err := strconv.Atoi(rest)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

// Generate returns the next free number for typ on date.
func (g *Generator) Generate(ctx context.Context, lookup Lookup, typ txkind.Type, date time.Time) (string, error) {
	prefix, err := Prefix(typ)
	if err != nil {
		return "", err
	}
	if date.IsZero() {
		date = g.now()
	}
	stem := fmt.Sprintf("%s-%s-", prefix, date.Format(dateLayout))

	existing, err := lookup.InvoiceNumbersWithPrefix(ctx, stem)
	if err != nil {
		return "", fmt.Errorf("invoice: scan numbers: %w", err)
	}
	highest := 0
	for _, number := range existing {
		if seq, ok := ParseSequence(number, stem); ok && seq > highest {
			highest = seq
		}
	}

	seq := highest + 1
	for attempt := 0; attempt < g.maxAttempts(); attempt++ {
		candidate := Format(prefix, date, seq)
		taken, err := lookup.InvoiceNumberExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("invoice: check number: %w", err)
		}
		if !taken {
			return candidate, nil
		}
		seq++
	}
	return "", fmt.Errorf("%w: %s after %d attempts", ErrNumberGenerationExhausted, stem, g.maxAttempts())
}

func (g *Generator) maxAttempts() int {
	if g == nil || g.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return g.MaxAttempts
}

func (g *Generator) now() time.Time {
	if g == nil || g.Clock == nil {
		return time.Now()
	}
	return g.Clock()
}
