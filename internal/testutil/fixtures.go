package testutil

import (
	"math/rand"
	"strings"

	faker "github.com/go-faker/faker/v4"

	"github.com/arbor-db/arbor/internal/types"
)

// SeedFaker pins faker's crypto source to this package's deterministic
// Reader, keyed by seed, so fixtures built from it are reproducible
// across test runs.
func SeedFaker(seed int64) {
	faker.SetCryptoSource(New(seed))
}

type person struct {
	Name  string `faker:"name"`
	Email string `faker:"email"`
}

// RandomRow fills one row matching colTypes with pseudorandom data: a
// faker-shaped name/email string for a character column (truncated to
// its declared length), otherwise a value drawn straight from rng. Every
// column has a small chance of coming back NULL. Values are generated to
// be representable exactly in their declared column type — a Real column
// gets a float32-exact float, a Char column never ends in the blank
// padding its storage form would strip.
func RandomRow(rng *rand.Rand, colTypes []types.SqlType) ([]types.Value, error) {
	row := make([]types.Value, len(colTypes))
	for i, t := range colTypes {
		if rng.Intn(8) == 0 {
			row[i] = types.Null()
			continue
		}
		switch t.Family() {
		case types.FamilyBool:
			row[i] = types.BoolValue(rng.Intn(2) == 1)
		case types.FamilyInteger:
			row[i] = types.IntValue(rng.Int63n(1000), t.Width())
		case types.FamilyFloat:
			f := rng.Float64() * 1000
			if t.Width() == 4 {
				f = float64(float32(f))
			}
			row[i] = types.FloatValue(f, t.Width())
		case types.FamilyString:
			var p person
			if err := faker.FakeData(&p); err != nil {
				return nil, err
			}
			s := p.Name + " <" + p.Email + ">"
			if len(s) > t.Len {
				s = s[:t.Len]
			}
			if t.Kind == types.KindChar {
				s = strings.TrimRight(s, " ")
			}
			if s == "" {
				s = "x"
			}
			row[i] = types.StringValue(s)
		default:
			row[i] = types.Null()
		}
	}
	return row, nil
}
