package exchange

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// SymbolRules 是交易对的下单过滤器，来自 exchangeInfo 的 LOT_SIZE 与 MIN_NOTIONAL/NOTIONAL。
// 零值表示没有该限制。
type SymbolRules struct {
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// ErrBelowLotSize 表示数量按步长调整后低于最小下单量。
var ErrBelowLotSize = errors.New("quantity below lot size")

// ErrBelowMinNotional 表示订单金额低于交易所最小名义价值。
var ErrBelowMinNotional = errors.New("order value below min notional")

// parseSymbolRules 从原始过滤器中读取步长和最小值。
func parseSymbolRules(filters []map[string]interface{}) (SymbolRules, error) {
	rules := SymbolRules{}
	for _, f := range filters {
		var err error
		switch f["filterType"] {
		case "LOT_SIZE":
			if rules.StepSize, err = filterValue(f, "stepSize"); err != nil {
				return SymbolRules{}, err
			}
			if rules.MinQty, err = filterValue(f, "minQty"); err != nil {
				return SymbolRules{}, err
			}
		case "MIN_NOTIONAL", "NOTIONAL":
			if rules.MinNotional, err = filterValue(f, "minNotional"); err != nil {
				return SymbolRules{}, err
			}
		}
	}
	return rules, nil
}

func filterValue(f map[string]interface{}, key string) (decimal.Decimal, error) {
	raw, ok := f[key]
	if !ok {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(fmt.Sprint(raw))
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse %v %s", f["filterType"], key)
	}
	return d, nil
}

// AdjustQuantity 将数量向下取整到步长的整数倍，结果低于 minQty 时返回 ErrBelowLotSize。
func (r SymbolRules) AdjustQuantity(qty decimal.Decimal) (decimal.Decimal, error) {
	adjusted := qty
	if r.StepSize.IsPositive() {
		adjusted = qty.Div(r.StepSize).Floor().Mul(r.StepSize)
	}
	if !adjusted.IsPositive() || adjusted.LessThan(r.MinQty) {
		return decimal.Zero, errors.Wrapf(ErrBelowLotSize, "%s adjusts to %s (step %s, min %s)", qty, adjusted, r.StepSize, r.MinQty)
	}
	return adjusted, nil
}

// CheckNotional 校验订单金额不低于 minNotional。
func (r SymbolRules) CheckNotional(value decimal.Decimal) error {
	if value.LessThan(r.MinNotional) {
		return errors.Wrapf(ErrBelowMinNotional, "%s < %s", value, r.MinNotional)
	}
	return nil
}
