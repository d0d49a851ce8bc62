package payment

import "github.com/shopspring/decimal"

// FeePolicy: ставки комиссий, удерживаемых с продавца при захвате платежа.
type FeePolicy struct {
	PGFeeRate       decimal.Decimal
	PlatformFeeRate decimal.Decimal
}

// DefaultFeePolicy: 3% эквайринг, 10% площадка.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		PGFeeRate:       decimal.RequireFromString("0.03"),
		PlatformFeeRate: decimal.RequireFromString("0.10"),
	}
}

// NewFeePolicy разбирает ставки из строк конфигурации.
func NewFeePolicy(pgRate, platformRate string) (FeePolicy, error) {
	pg, err := decimal.NewFromString(pgRate)
	if err != nil {
		return FeePolicy{}, err
	}
	platform, err := decimal.NewFromString(platformRate)
	if err != nil {
		return FeePolicy{}, err
	}
	return FeePolicy{PGFeeRate: pg, PlatformFeeRate: platform}, nil
}

// Split возвращает комиссии в минорных единицах, округлённые half-up.
func (p FeePolicy) Split(amount int64) (pgFee, platformFee int64) {
	base := decimal.NewFromInt(amount)
	return base.Mul(p.PGFeeRate).Round(0).IntPart(), base.Mul(p.PlatformFeeRate).Round(0).IntPart()
}
