package clob

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	defaultClobURL = "https://clob.polymarket.com"
	defaultDataURL = "https://data-api.polymarket.com"
)

// Options configures a Client.
type Options struct {
	ClobURL       string
	DataURL       string
	APIKey        string
	APISecret     string
	Passphrase    string
	PrivateKey    string // hex, with or without 0x prefix
	SignerAddress string
	FunderAddress string // proxy wallet holding funds; defaults to signer
	SignatureType int
	DryRun        bool
}

// Client talks to the Polymarket CLOB and data APIs. Read endpoints are safe
// for any component; order submission is reserved for the guarded executor,
// which is the only component handed the full client.
type Client struct {
	clobURL       string
	dataURL       string
	apiKey        string
	apiSecret     string
	passphrase    string
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	funderAddress common.Address
	signatureType int
	dryRun        bool
	httpClient    *http.Client
}

type apiCreds struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// NewClient creates a client, deriving API credentials from the wallet when
// none are supplied.
func NewClient(opts Options) (*Client, error) {
	c := &Client{
		clobURL:       opts.ClobURL,
		dataURL:       opts.DataURL,
		apiKey:        opts.APIKey,
		apiSecret:     opts.APISecret,
		passphrase:    opts.Passphrase,
		signatureType: opts.SignatureType,
		dryRun:        opts.DryRun,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}
	if c.clobURL == "" {
		c.clobURL = defaultClobURL
	}
	if c.dataURL == "" {
		c.dataURL = defaultDataURL
	}

	if opts.SignerAddress != "" {
		c.address = common.HexToAddress(opts.SignerAddress)
	}
	if opts.FunderAddress != "" {
		c.funderAddress = common.HexToAddress(opts.FunderAddress)
	}

	if opts.PrivateKey != "" {
		pkHex := strings.TrimPrefix(opts.PrivateKey, "0x")
		pk, err := crypto.HexToECDSA(pkHex)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.privateKey = pk
		c.address = crypto.PubkeyToAddress(pk.PublicKey)
		if c.funderAddress == (common.Address{}) {
			c.funderAddress = c.address
		}

		if c.apiKey == "" || c.apiSecret == "" {
			creds, err := c.deriveAPICreds()
			if err != nil {
				return nil, fmt.Errorf("derive api credentials: %w", err)
			}
			c.apiKey = creds.ApiKey
			c.apiSecret = creds.Secret
			c.passphrase = creds.Passphrase
		}
	}

	mode := "LIVE"
	if c.dryRun {
		mode = "DRY RUN"
	}
	log.Info().
		Str("mode", mode).
		Str("signer", c.address.Hex()).
		Str("funder", c.funderAddress.Hex()).
		Msg("CLOB client initialized")

	return c, nil
}

// Activity fetches the recent activity feed for a user address.
func (c *Client) Activity(user string) ([]Activity, error) {
	u := fmt.Sprintf("%s/activity?user=%s", c.dataURL, url.QueryEscape(user))
	body, err := c.getPublic(u)
	if err != nil {
		return nil, err
	}
	var entries []Activity
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("parse activity: %w", err)
	}
	return entries, nil
}

// Positions fetches current positions for a user address.
func (c *Client) Positions(user string) ([]Position, error) {
	u := fmt.Sprintf("%s/positions?user=%s", c.dataURL, url.QueryEscape(user))
	body, err := c.getPublic(u)
	if err != nil {
		return nil, err
	}
	var positions []Position
	if err := json.Unmarshal(body, &positions); err != nil {
		return nil, fmt.Errorf("parse positions: %w", err)
	}
	return positions, nil
}

// OrderBook fetches the book for a token.
func (c *Client) OrderBook(tokenID string) (*OrderBook, error) {
	u := fmt.Sprintf("%s/book?token_id=%s", c.clobURL, url.QueryEscape(tokenID))
	body, err := c.getPublic(u)
	if err != nil {
		return nil, err
	}
	var book OrderBook
	if err := json.Unmarshal(body, &book); err != nil {
		return nil, fmt.Errorf("parse order book: %w", err)
	}
	return &book, nil
}

// Balance returns the follower's USDC collateral balance. The API reports it
// in 6-decimal units.
func (c *Client) Balance() (decimal.Decimal, error) {
	if c.dryRun {
		return decimal.NewFromInt(1000), nil
	}

	endpoint := "/balance-allowance"
	u := fmt.Sprintf("%s%s?asset_type=COLLATERAL&signature_type=%d", c.clobURL, endpoint, c.signatureType)

	req, err := http.NewRequest("GET", u, nil)
	if err != nil {
		return decimal.Zero, err
	}
	c.signL2Request(req, "GET", endpoint, nil)

	body, err := c.do(req)
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}
	balance, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid balance value %q", result.Balance)
	}
	return balance.Div(decimal.New(1, 6)), nil
}

// PlaceFOK signs and submits a fill-or-kill order at the given price. The
// order either fills in full immediately or the exchange cancels it.
func (c *Client) PlaceFOK(tokenID string, side Side, price, size decimal.Decimal) (*OrderResponse, error) {
	if c.dryRun {
		orderID := fmt.Sprintf("dry_%d", time.Now().UnixNano())
		log.Info().
			Str("order_id", orderID).
			Str("token", shortToken(tokenID)).
			Str("side", string(side)).
			Str("price", price.StringFixed(4)).
			Str("size", size.StringFixed(4)).
			Msg("DRY RUN: order would be placed")
		return &OrderResponse{Success: true, OrderID: orderID, Status: "matched"}, nil
	}

	signer := newOrderSigner(c.privateKey, c.address, c.funderAddress, c.signatureType)
	signed, err := signer.createSignedOrder(tokenID, side, price, size)
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}

	payload := signed.apiPayload(c.apiKey, "FOK")
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	req, err := http.NewRequest("POST", c.clobURL+"/order", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.signL2Request(req, "POST", "/order", body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	var orderResp OrderResponse
	if err := json.Unmarshal(respBody, &orderResp); err != nil {
		return nil, fmt.Errorf("parse order response: %w, body: %s", err, string(respBody))
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &orderResp, fmt.Errorf("order rejected: %s", orderResp.ErrorMessage())
	}
	if !orderResp.Success && orderResp.ErrorMessage() != "" {
		return &orderResp, fmt.Errorf("order rejected: %s", orderResp.ErrorMessage())
	}

	log.Info().
		Str("order_id", orderResp.OrderID).
		Str("status", orderResp.Status).
		Str("side", string(side)).
		Str("token", shortToken(tokenID)).
		Msg("Order submitted")

	return &orderResp, nil
}

func (c *Client) getPublic(url string) ([]byte, error) {
	resp, err := c.httpClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// signL2Request adds the HMAC auth headers the CLOB expects. The message and
// base64 handling must match py-clob-client exactly, URL-safe alphabet
// included.
func (c *Client) signL2Request(req *http.Request, method, path string, body []byte) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	message := timestamp + method + path
	if len(body) > 0 {
		message += string(body)
	}

	secretBytes, err := base64.URLEncoding.DecodeString(c.apiSecret)
	if err != nil {
		padded := c.apiSecret
		if len(padded)%4 != 0 {
			padded += strings.Repeat("=", 4-len(padded)%4)
		}
		if secretBytes, err = base64.URLEncoding.DecodeString(padded); err != nil {
			secretBytes, _ = base64.StdEncoding.DecodeString(c.apiSecret)
		}
	}

	h := hmac.New(sha256.New, secretBytes)
	h.Write([]byte(message))
	signature := base64.URLEncoding.EncodeToString(h.Sum(nil))

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_SIGNATURE", signature)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)
	if c.address != (common.Address{}) {
		req.Header.Set("POLY_ADDRESS", c.address.Hex())
	}
}

// deriveAPICreds signs the ClobAuth EIP-712 message and asks the CLOB for
// existing credentials, creating them if none exist.
func (c *Client) deriveAPICreds() (*apiCreds, error) {
	timestamp := time.Now().Unix()
	nonce := int64(0)

	signature, err := c.signClobAuthMessage(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign auth message: %w", err)
	}

	polyAddress := c.funderAddress.Hex()
	if c.funderAddress == (common.Address{}) {
		polyAddress = c.address.Hex()
	}
	headers := map[string]string{
		"POLY_ADDRESS":   polyAddress,
		"POLY_SIGNATURE": signature,
		"POLY_TIMESTAMP": strconv.FormatInt(timestamp, 10),
		"POLY_NONCE":     strconv.FormatInt(nonce, 10),
	}

	for _, attempt := range []struct {
		method, path string
	}{
		{"GET", "/auth/derive-api-key"},
		{"POST", "/auth/api-key"},
	} {
		req, _ := http.NewRequest(attempt.method, c.clobURL+attempt.path, nil)
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("credential request failed: %w", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			var creds apiCreds
			if err := json.Unmarshal(body, &creds); err != nil {
				return nil, fmt.Errorf("parse credentials: %w", err)
			}
			return &creds, nil
		}
	}
	return nil, fmt.Errorf("could not derive or create api credentials")
}

// signClobAuthMessage signs the ClobAuthDomain attestation used for
// credential derivation.
func (c *Client) signClobAuthMessage(timestamp, nonce int64) (string, error) {
	domainTypeHash := crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId)"))
	nameHash := crypto.Keccak256Hash([]byte("ClobAuthDomain"))
	versionHash := crypto.Keccak256Hash([]byte("1"))
	chainID := big.NewInt(polygonChainID)

	domainSeparator := crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		nameHash.Bytes(),
		versionHash.Bytes(),
		common.LeftPadBytes(chainID.Bytes(), 32),
	)

	clobAuthTypeHash := crypto.Keccak256Hash([]byte("ClobAuth(address address,string timestamp,uint256 nonce,string message)"))

	authAddress := c.funderAddress
	if authAddress == (common.Address{}) {
		authAddress = c.address
	}

	timestampStr := strconv.FormatInt(timestamp, 10)
	messageStr := "This message attests that I control the given wallet"

	structHash := crypto.Keccak256Hash(
		clobAuthTypeHash.Bytes(),
		common.LeftPadBytes(authAddress.Bytes(), 32),
		crypto.Keccak256Hash([]byte(timestampStr)).Bytes(),
		common.LeftPadBytes(big.NewInt(nonce).Bytes(), 32),
		crypto.Keccak256Hash([]byte(messageStr)).Bytes(),
	)

	rawData := append([]byte{0x19, 0x01}, domainSeparator.Bytes()...)
	rawData = append(rawData, structHash.Bytes()...)
	hash := crypto.Keccak256Hash(rawData)

	sig, err := crypto.Sign(hash.Bytes(), c.privateKey)
	if err != nil {
		return "", err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func shortToken(tokenID string) string {
	if len(tokenID) > 16 {
		return tokenID[:16] + "..."
	}
	return tokenID
}
