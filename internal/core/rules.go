package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const maxOrderIDLen = 64

// RawOrder is a place-order command before validation; every field is caller text.
type RawOrder struct {
	Pair   string `validate:"required"`
	Side   string `validate:"required,oneof=buy sell"`
	Price  string `validate:"required"`
	Volume string
}

// OrderRequest is a validated limit order. It can only be built by Whitelist.ValidateOrder.
type OrderRequest struct {
	rules         PairRules
	side          Side
	price         decimal.Decimal
	volume        decimal.Decimal
	clientOrderID string
}

func (r OrderRequest) Pair() string { return r.rules.Pair }
func (r OrderRequest) WireName() string { return r.rules.WireName }
func (r OrderRequest) Side() Side { return r.side }
func (r OrderRequest) Type() OrderType { return Limit }
func (r OrderRequest) Price() decimal.Decimal { return r.price }
func (r OrderRequest) Volume() decimal.Decimal { return r.volume }
func (r OrderRequest) ClientOrderID() string { return r.clientOrderID }
func (r OrderRequest) IsZero() bool { return r.clientOrderID == "" }
func (r OrderRequest) PriceString() string { return r.price.StringFixed(r.rules.PricePrecision) }
func (r OrderRequest) VolumeString() string { return r.volume.StringFixed(r.rules.VolumePrecision) }

// Whitelist is the immutable set of tradable pairs and their precision rules.
type Whitelist struct {
	pairs         map[string]PairRules
	aliases       map[string]string
	defaultVolume decimal.Decimal
	newID         func() string
	validate      *validator.Validate
}

func NewWhitelist(rules []PairRules, defaultVolume decimal.Decimal) (*Whitelist, error) {
	if len(rules) == 0 {
		return nil, errors.New("at least one tradable pair is required")
	}
	w := &Whitelist{
		pairs:         make(map[string]PairRules, len(rules)),
		aliases:       make(map[string]string, len(rules)*2),
		defaultVolume: defaultVolume,
		newID:         uuid.NewString,
		validate:      validator.New(),
	}
	for _, r := range rules {
		name := NormalizePair(r.Pair)
		if name == "" {
			return nil, errors.New("pair name is required")
		}
		if r.PricePrecision < 0 || r.VolumePrecision < 0 {
			return nil, fmt.Errorf("pair %s: precision must be >= 0", name)
		}
		if r.MinVolume.Cmp(decimal.Zero) < 0 {
			return nil, fmt.Errorf("pair %s: min volume must be >= 0", name)
		}
		r.Pair = name
		if r.WireName == "" {
			r.WireName = strings.ReplaceAll(name, "/", "")
		}
		r.WireName = strings.ToUpper(r.WireName)
		if _, dup := w.pairs[name]; dup {
			return nil, fmt.Errorf("pair %s listed twice", name)
		}
		w.pairs[name] = r
		w.aliases[name] = name
		w.aliases[strings.ReplaceAll(name, "/", "")] = name
		w.aliases[r.WireName] = name
	}
	return w, nil
}

// WithExchangeRules returns a copy whose precision is the stricter of the configured
// rules and the rules reported by the exchange.
func (w *Whitelist) WithExchangeRules(reported map[string]PairRules) *Whitelist {
	out := &Whitelist{
		pairs:         make(map[string]PairRules, len(w.pairs)),
		aliases:       make(map[string]string, len(w.aliases)),
		defaultVolume: w.defaultVolume,
		newID:         w.newID,
		validate:      w.validate,
	}
	for k, v := range w.aliases {
		out.aliases[k] = v
	}
	for name, r := range w.pairs {
		if ex, ok := reported[name]; ok {
			if ex.PricePrecision < r.PricePrecision {
				r.PricePrecision = ex.PricePrecision
			}
			if ex.VolumePrecision < r.VolumePrecision {
				r.VolumePrecision = ex.VolumePrecision
			}
			if ex.MinVolume.Cmp(r.MinVolume) > 0 {
				r.MinVolume = ex.MinVolume
			}
			if ex.WireName != "" {
				r.WireName = strings.ToUpper(ex.WireName)
				out.aliases[r.WireName] = name
			}
		}
		out.pairs[name] = r
	}
	return out
}

func (w *Whitelist) Lookup(pair string) (PairRules, bool) {
	name, ok := w.aliases[strings.ToUpper(strings.TrimSpace(pair))]
	if !ok {
		return PairRules{}, false
	}
	r, ok := w.pairs[name]
	return r, ok
}

func (w *Whitelist) Pairs() []PairRules {
	out := make([]PairRules, 0, len(w.pairs))
	for _, r := range w.pairs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out
}

// PairByWireName resolves an exchange wire name (XBTUSD) back to the whitelist name.
func (w *Whitelist) PairByWireName(wire string) string {
	if name, ok := w.aliases[strings.ToUpper(wire)]; ok {
		return name
	}
	return wire
}

func (w *Whitelist) ValidateOrder(raw RawOrder) (OrderRequest, error) {
	raw.Pair = strings.TrimSpace(raw.Pair)
	raw.Side = strings.ToLower(strings.TrimSpace(raw.Side))
	raw.Price = strings.TrimSpace(raw.Price)
	raw.Volume = strings.TrimSpace(raw.Volume)

	if err := w.validate.Struct(raw); err != nil {
		return OrderRequest{}, ValidationError(describeFieldError(err))
	}
	rules, ok := w.Lookup(raw.Pair)
	if !ok {
		return OrderRequest{}, ValidationError(fmt.Sprintf("pair %q is not tradable", raw.Pair))
	}
	price, err := parsePositive("price", raw.Price, rules.PricePrecision)
	if err != nil {
		return OrderRequest{}, err
	}
	volText := raw.Volume
	if volText == "" {
		if w.defaultVolume.Cmp(decimal.Zero) <= 0 {
			return OrderRequest{}, ValidationError("volume is required")
		}
		volText = w.defaultVolume.String()
	}
	volume, err := parsePositive("volume", volText, rules.VolumePrecision)
	if err != nil {
		return OrderRequest{}, err
	}
	if rules.MinVolume.Cmp(decimal.Zero) > 0 && volume.Cmp(rules.MinVolume) < 0 {
		return OrderRequest{}, ValidationError(fmt.Sprintf("volume %s below minimum %s for %s", volume, rules.MinVolume, rules.Pair))
	}
	return OrderRequest{
		rules:         rules,
		side:          Side(raw.Side),
		price:         price,
		volume:        volume,
		clientOrderID: w.newID(),
	}, nil
}

// ValidateOrderID checks a cancel target: an exchange txid or a client order id.
func ValidateOrderID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ValidationError("order id is required")
	}
	if len(id) > maxOrderIDLen {
		return "", ValidationError("order id is too long")
	}
	for _, r := range id {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			continue
		}
		return "", ValidationError(fmt.Sprintf("order id %q contains invalid characters", id))
	}
	return id, nil
}

func NormalizePair(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}

func parsePositive(field, text string, precision int32) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, ValidationError(fmt.Sprintf("%s %q is not a decimal number", field, text))
	}
	if v.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, ValidationError(fmt.Sprintf("%s must be > 0", field))
	}
	if !v.Equal(v.Truncate(precision)) {
		return decimal.Zero, ValidationError(fmt.Sprintf("%s %s exceeds %d decimal places", field, text, precision))
	}
	return v, nil
}

func describeFieldError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return field + " must be one of: " + fe.Param()
	default:
		return field + " is invalid"
	}
}
