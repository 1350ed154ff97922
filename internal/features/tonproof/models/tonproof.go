package models

import "time"

// PayloadResponse is the challenge the wallet signs through TON Connect.
type PayloadResponse struct {
	Payload   string    `json:"payload"`
	ExpiresAt time.Time `json:"expires_at"`
}

// VerifyRequest mirrors the ton_proof item a TON Connect wallet returns.
type VerifyRequest struct {
	Address   string `json:"address" binding:"required"`
	Network   string `json:"network" example:"-239"`
	PublicKey string `json:"public_key" binding:"required,hexadecimal,len=64"`
	Proof     Proof  `json:"proof" binding:"required"`
}

type Proof struct {
	Timestamp int64  `json:"timestamp" binding:"required"`
	Domain    Domain `json:"domain" binding:"required"`
	// base64
	Signature string `json:"signature" binding:"required"`
	Payload   string `json:"payload" binding:"required"`
	// base64 BOC of the wallet StateInit
	StateInit string `json:"state_init" binding:"required"`
}

type Domain struct {
	LengthBytes uint32 `json:"lengthBytes"`
	Value       string `json:"value" binding:"required"`
}

type TokenResponse struct {
	Token         string `json:"token"`
	ExpiresAt     int64  `json:"expires_at"`
	WalletAddress string `json:"wallet_address"`
}
