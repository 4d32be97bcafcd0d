// Package clob is the Polymarket CLOB client used by the copy trader.
//
// signer.go holds the native EIP-712 order signing for the CTF Exchange,
// matching the payloads produced by py-clob-client.
package clob

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"math/rand"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
)

// CTF Exchange contract on Polygon mainnet.
const (
	polygonChainID     = 137
	ctfExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	zeroAddress        = "0x0000000000000000000000000000000000000000"
)

// Signature types accepted by the exchange.
const (
	SignatureTypeEOA        = 0
	SignatureTypePolyProxy  = 1
	SignatureTypeGnosisSafe = 2
)

const (
	sideBuyInt  = 0
	sideSellInt = 1
)

// ctfOrder is the on-chain order struct signed under EIP-712.
type ctfOrder struct {
	Salt          *big.Int
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          uint8
	SignatureType uint8
}

type signedOrder struct {
	order     *ctfOrder
	signature string
}

type orderSigner struct {
	privateKey    *ecdsa.PrivateKey
	signerAddress common.Address
	funderAddress common.Address
	chainID       int64
	exchangeAddr  common.Address
	signatureType int
}

func newOrderSigner(privateKey *ecdsa.PrivateKey, signerAddr, funderAddr common.Address, signatureType int) *orderSigner {
	return &orderSigner{
		privateKey:    privateKey,
		signerAddress: signerAddr,
		funderAddress: funderAddr,
		chainID:       polygonChainID,
		exchangeAddr:  common.HexToAddress(ctfExchangeAddress),
		signatureType: signatureType,
	}
}

// createSignedOrder builds and signs a marketable limit order. price and size
// are in display units; amounts are scaled to 6-decimal token units with the
// truncation rules the exchange enforces (USDC max 2 decimals as maker, shares
// max 4 decimals).
func (s *orderSigner) createSignedOrder(tokenID string, side Side, price, size decimal.Decimal) (*signedOrder, error) {
	tokenIDInt, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid token id %q", tokenID)
	}

	var makerAmount, takerAmount *big.Int
	usdc := size.Mul(price)
	if side == SideBuy {
		makerAmount = usdcUnits(usdc)
		takerAmount = shareUnits(size)
	} else {
		makerAmount = shareUnits(size)
		takerAmount = usdcUnits(usdc)
	}

	maker := s.funderAddress
	if maker == (common.Address{}) {
		maker = s.signerAddress
	}

	sideInt := sideBuyInt
	if side == SideSell {
		sideInt = sideSellInt
	}

	order := &ctfOrder{
		Salt:          big.NewInt(rand.Int63()),
		Maker:         maker,
		Signer:        s.signerAddress,
		Taker:         common.HexToAddress(zeroAddress),
		TokenID:       tokenIDInt,
		MakerAmount:   makerAmount,
		TakerAmount:   takerAmount,
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(0),
		Side:          uint8(sideInt),
		SignatureType: uint8(s.signatureType),
	}

	sig, err := s.sign(order)
	if err != nil {
		return nil, err
	}
	return &signedOrder{order: order, signature: sig}, nil
}

func (s *orderSigner) sign(order *ctfOrder) (string, error) {
	if s.privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}

	typedData := s.buildTypedData(order)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return "", fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return "", fmt.Errorf("hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(messageHash)))
	hash := crypto.Keccak256Hash(rawData)

	sig, err := crypto.Sign(hash.Bytes(), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign order: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return fmt.Sprintf("0x%x", sig), nil
}

func (s *orderSigner) buildTypedData(order *ctfOrder) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(s.chainID),
			VerifyingContract: s.exchangeAddr.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":          order.Salt.String(),
			"maker":         order.Maker.Hex(),
			"signer":        order.Signer.Hex(),
			"taker":         order.Taker.Hex(),
			"tokenId":       order.TokenID.String(),
			"makerAmount":   order.MakerAmount.String(),
			"takerAmount":   order.TakerAmount.String(),
			"expiration":    order.Expiration.String(),
			"nonce":         order.Nonce.String(),
			"feeRateBps":    order.FeeRateBps.String(),
			"side":          fmt.Sprintf("%d", order.Side),
			"signatureType": fmt.Sprintf("%d", order.SignatureType),
		},
	}
}

// apiPayload wraps the signed order for POST /order. The owner field must be
// the API key, not the maker address, and the signature rides inside the
// order object.
func (o *signedOrder) apiPayload(apiKey, orderType string) map[string]interface{} {
	sideStr := "BUY"
	if o.order.Side == sideSellInt {
		sideStr = "SELL"
	}
	return map[string]interface{}{
		"order": map[string]interface{}{
			"salt":          o.order.Salt.Int64(),
			"maker":         o.order.Maker.Hex(),
			"signer":        o.order.Signer.Hex(),
			"taker":         o.order.Taker.Hex(),
			"tokenId":       o.order.TokenID.String(),
			"makerAmount":   o.order.MakerAmount.String(),
			"takerAmount":   o.order.TakerAmount.String(),
			"expiration":    o.order.Expiration.String(),
			"nonce":         o.order.Nonce.String(),
			"feeRateBps":    o.order.FeeRateBps.String(),
			"side":          sideStr,
			"signatureType": int(o.order.SignatureType),
			"signature":     o.signature,
		},
		"owner":     apiKey,
		"orderType": orderType,
		"postOnly":  false,
	}
}

// usdcUnits scales a USDC amount to 6-decimal units, truncating past 2
// decimals so a sub-order can never exceed its budget.
func usdcUnits(amount decimal.Decimal) *big.Int {
	return amount.Truncate(2).Mul(decimal.New(1, 6)).BigInt()
}

// shareUnits scales a share amount to 6-decimal units at max 4 decimals.
func shareUnits(amount decimal.Decimal) *big.Int {
	return amount.Truncate(4).Mul(decimal.New(1, 6)).BigInt()
}
