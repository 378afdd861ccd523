package volume

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/openfroyo/virtsync/pkg/engine"
)

var capacityValue = regexp.MustCompile(`^[0-9]+[.]?[0-9]*`)

// unitSizes follows libvirt: the B suffixed decimal units are powers of
// 1000, the bare and iB units powers of 1024.
var unitSizes = map[string]*big.Int{
	"B":     big.NewInt(1),
	"bytes": big.NewInt(1),
}

func init() {
	for i, prefix := range []string{"K", "M", "G", "T", "P", "E"} {
		exp := int64(i + 1)
		decimal := new(big.Int).Exp(big.NewInt(1000), big.NewInt(exp), nil)
		binary := new(big.Int).Exp(big.NewInt(1024), big.NewInt(exp), nil)
		unitSizes[prefix+"B"] = decimal
		unitSizes[prefix] = binary
		unitSizes[prefix+"iB"] = binary
	}
}

// Capacity is a volume size as written by the user, e.g. "10G" or "1.5 TiB".
type Capacity struct {
	Value string `json:"value"`
	Unit  string `json:"unit"`
}

// ParseCapacity splits s into a number and a unit. A missing unit means
// bytes.
func ParseCapacity(s string) (Capacity, error) {
	s = strings.TrimSpace(s)
	loc := capacityValue.FindStringIndex(s)
	if loc == nil {
		return Capacity{}, invalidCapacity(s)
	}
	c := Capacity{Value: s[:loc[1]], Unit: strings.TrimSpace(s[loc[1]:])}
	if c.Unit == "" {
		c.Unit = "bytes"
	}
	if _, ok := unitSizes[c.Unit]; !ok {
		return Capacity{}, invalidCapacity(s)
	}
	return c, nil
}

func invalidCapacity(s string) error {
	return engine.NewPermanentError(fmt.Sprintf("invalid capacity %q", s), nil).
		WithCode(engine.ErrCodeValidation)
}

// Bytes returns the capacity in bytes, rounded down.
func (c Capacity) Bytes() (uint64, error) {
	size, ok := unitSizes[c.Unit]
	if !ok {
		return 0, invalidCapacity(c.String())
	}
	value, ok := new(big.Rat).SetString(c.Value)
	if !ok {
		return 0, invalidCapacity(c.String())
	}
	value.Mul(value, new(big.Rat).SetInt(size))
	n := new(big.Int).Quo(value.Num(), value.Denom())
	if !n.IsUint64() {
		return 0, engine.NewPermanentError(fmt.Sprintf("capacity %s is too large", c), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return n.Uint64(), nil
}

func (c Capacity) String() string {
	return c.Value + c.Unit
}
