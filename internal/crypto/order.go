package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Collateral and conditional tokens both carry six decimals on chain.
const tokenDecimals = 6

// OrderArgs describes a limit order in human units.
type OrderArgs struct {
	ClientOrderID string // uuid; the salt is derived from it
	TokenID       string
	Buy           bool
	Price         decimal.Decimal
	Size          decimal.Decimal
	FeeRateBps    int
	Expiration    int64 // unix seconds, 0 for GTC
	Nonce         int64
}

// OrderBuilder produces signed orders for one funder wallet.
type OrderBuilder struct {
	signer        *Signer
	funder        common.Address
	signatureType int
}

// NewOrderBuilder binds a signer to the funder address that holds the
// collateral. An empty funder uses the signer's own address (EOA).
func NewOrderBuilder(signer *Signer, funder string, signatureType int) *OrderBuilder {
	addr := signer.Address()
	if funder != "" {
		addr = common.HexToAddress(funder)
	}
	return &OrderBuilder{signer: signer, funder: addr, signatureType: signatureType}
}

// Build converts args to a signed payload. A buy offers size*price USDC for
// size tokens; a sell offers size tokens for size*price USDC. Identical
// args always produce the identical order.
func (b *OrderBuilder) Build(args OrderArgs) (OrderPayload, string, error) {
	if !args.Price.IsPositive() || args.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return OrderPayload{}, "", fmt.Errorf("crypto: build order: price %s outside (0,1)", args.Price)
	}
	if !args.Size.IsPositive() {
		return OrderPayload{}, "", fmt.Errorf("crypto: build order: size %s not positive", args.Size)
	}
	salt, err := saltFor(args.ClientOrderID)
	if err != nil {
		return OrderPayload{}, "", err
	}

	tokens := toBaseUnits(args.Size)
	collateral := toBaseUnits(args.Size.Mul(args.Price))
	maker, taker, side := collateral, tokens, 0
	if !args.Buy {
		maker, taker, side = tokens, collateral, 1
	}

	payload := OrderPayload{
		Salt:          salt,
		Maker:         b.funder.Hex(),
		Signer:        b.signer.Address().Hex(),
		Taker:         common.Address{}.Hex(),
		TokenID:       args.TokenID,
		MakerAmount:   maker,
		TakerAmount:   taker,
		Expiration:    fmt.Sprintf("%d", args.Expiration),
		Nonce:         fmt.Sprintf("%d", args.Nonce),
		FeeRateBps:    fmt.Sprintf("%d", args.FeeRateBps),
		Side:          side,
		SignatureType: b.signatureType,
	}
	sig, err := b.signer.SignOrder(payload)
	if err != nil {
		return OrderPayload{}, "", err
	}
	return payload, sig, nil
}

// toBaseUnits truncates v to six decimals and renders the integer amount.
func toBaseUnits(v decimal.Decimal) string {
	return v.Shift(tokenDecimals).Truncate(0).BigInt().String()
}

func saltFor(clientOrderID string) (string, error) {
	id, err := uuid.Parse(clientOrderID)
	if err != nil {
		return "", fmt.Errorf("crypto: salt from client order id %q: %w", clientOrderID, err)
	}
	// Keep the salt within 2^53 so JSON consumers read it exactly.
	n := new(big.Int).SetBytes(id[:8])
	return n.Rsh(n, 11).String(), nil
}
