package market

import (
	"strings"

	"github.com/shopspring/decimal"

	"position-sync-go/risk"
)

// InstrumentSpec 是配置层传入的原始描述，ShortAllowed/Leverage 为空时取市场默认值。
type InstrumentSpec struct {
	ID               string
	Market           string
	Name             string
	ShortAllowed     *bool
	Leverage         *int
	AllocatedCapital decimal.Decimal
	MaxUnits         int64
}

// Instrument 创建后不可变。
type Instrument struct {
	id           string
	class        Classification
	name         string
	shortAllowed bool
	leverage     int
	lotSize      int64
	capital      decimal.Decimal
	maxUnits     int64
}

// NewInstrument 校验并合并市场规则。
func NewInstrument(spec InstrumentSpec) (Instrument, error) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return Instrument{}, risk.Configf("instrument.id", "must not be empty")
	}
	class, err := ParseClassification(spec.Market)
	if err != nil {
		return Instrument{}, err
	}
	rules, err := RulesFor(class)
	if err != nil {
		return Instrument{}, err
	}
	inst := Instrument{
		id:           id,
		class:        class,
		name:         spec.Name,
		shortAllowed: rules.ShortAllowed,
		leverage:     rules.Leverage,
		lotSize:      rules.LotSize,
		capital:      spec.AllocatedCapital,
		maxUnits:     spec.MaxUnits,
	}
	if spec.ShortAllowed != nil {
		inst.shortAllowed = *spec.ShortAllowed
	}
	if spec.Leverage != nil {
		if *spec.Leverage < 1 {
			return Instrument{}, risk.Configf("instrument."+id+".leverage", "must be >= 1, got %d", *spec.Leverage)
		}
		inst.leverage = *spec.Leverage
	}
	if !inst.capital.IsPositive() {
		return Instrument{}, risk.Configf("instrument."+id+".capital", "must be > 0, got %s", inst.capital)
	}
	if inst.maxUnits < 0 {
		return Instrument{}, risk.Configf("instrument."+id+".maxUnits", "must be >= 0, got %d", inst.maxUnits)
	}
	if inst.name == "" {
		inst.name = id
	}
	return inst, nil
}

func (i Instrument) ID() string                        { return i.id }
func (i Instrument) Class() Classification             { return i.class }
func (i Instrument) Name() string                      { return i.name }
func (i Instrument) ShortAllowed() bool                { return i.shortAllowed }
func (i Instrument) Leverage() int                     { return i.leverage }
func (i Instrument) LotSize() int64                    { return i.lotSize }
func (i Instrument) AllocatedCapital() decimal.Decimal { return i.capital }

// MaxUnits 单品种持仓数量上限，0 表示不限。
func (i Instrument) MaxUnits() int64 { return i.maxUnits }

// Named 配置里是否写了显示名。
func (i Instrument) Named() bool { return i.name != i.id }

// WithName 返回换了显示名的副本，空名忽略。
func (i Instrument) WithName(name string) Instrument {
	if name = strings.TrimSpace(name); name != "" {
		i.name = name
	}
	return i
}

// AllowsShort 满足 risk.ShortPolicy。
func (i Instrument) AllowsShort() bool { return i.shortAllowed }

func (i Instrument) String() string {
	return i.id + " (" + i.name + " - " + i.class.Code() + ")"
}
