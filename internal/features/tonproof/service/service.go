package service

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/tvm/cell"

	"referral-ledger-backend/internal/common/config"
	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/common/logger"
	"referral-ledger-backend/internal/features/tonproof/models"
	"referral-ledger-backend/internal/features/tonproof/repository"
)

const (
	proofPrefix   = "ton-proof-item-v2/"
	connectPrefix = "ton-connect"
)

// Bit offsets of the public key in the data cell of standard wallets:
// v3/v4 store seqno and subwallet id first, v5 adds a signature flag bit.
var pubKeyOffsets = []uint{64, 65}

// Service issues TON Connect proof payloads and checks signed proofs.
type Service struct {
	store repository.PayloadStore
	cfg   config.TonProofConfig
	now   func() time.Time
}

func NewService(store repository.PayloadStore, cfg config.TonProofConfig) *Service {
	return &Service{store: store, cfg: cfg, now: time.Now}
}

// GeneratePayload returns a single-use challenge.
func (s *Service) GeneratePayload(ctx context.Context) (*models.PayloadResponse, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, apperrors.NewInternalError("tonproof.payload", err)
	}
	payload := hex.EncodeToString(buf[:])
	if err := s.store.Save(ctx, payload, s.cfg.PayloadTTL); err != nil {
		return nil, apperrors.NewInternalError("tonproof.payload", err)
	}
	return &models.PayloadResponse{Payload: payload, ExpiresAt: s.now().Add(s.cfg.PayloadTTL).UTC()}, nil
}

// Verify checks the proof and returns the proven address in raw form.
func (s *Service) Verify(ctx context.Context, req *models.VerifyRequest) (string, error) {
	addr, err := parseAddress(req.Address)
	if err != nil {
		return "", apperrors.NewInvalidWalletError(req.Address, err.Error())
	}
	if req.Proof.Domain.Value != s.cfg.Domain {
		return "", reject("domain mismatch")
	}
	if req.Proof.Domain.LengthBytes != 0 && int(req.Proof.Domain.LengthBytes) != len(req.Proof.Domain.Value) {
		return "", reject("domain length mismatch")
	}
	signedAt := time.Unix(req.Proof.Timestamp, 0)
	if s.now().Sub(signedAt) > s.cfg.PayloadTTL || signedAt.Sub(s.now()) > time.Minute {
		return "", reject("proof expired")
	}

	pub, err := hex.DecodeString(req.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return "", apperrors.NewValidationError("public_key", "must be a 32-byte hex key")
	}
	sig, err := base64.StdEncoding.DecodeString(req.Proof.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return "", apperrors.NewValidationError("proof.signature", "must be a base64 ed25519 signature")
	}
	if err := checkStateInit(req.Proof.StateInit, addr, pub); err != nil {
		logger.Debug().Err(err).Str("address", req.Address).Msg("TON proof state init rejected")
		return "", reject("state init does not match the address and key")
	}
	if !ed25519.Verify(pub, SignedHash(addr, req.Proof), sig) {
		return "", reject("signature verification failed")
	}

	// consume the payload only once the signature holds
	ok, err := s.store.Consume(ctx, req.Proof.Payload)
	if err != nil {
		return "", apperrors.NewInternalError("tonproof.consume", err)
	}
	if !ok {
		return "", reject("unknown or expired payload")
	}
	return fmt.Sprintf("%d:%x", addr.Workchain(), addr.Data()), nil
}

func reject(reason string) error {
	return apperrors.NewUnauthorizedError("ton proof: " + reason)
}

func parseAddress(s string) (*address.Address, error) {
	if strings.Contains(s, ":") {
		return address.ParseRawAddr(s)
	}
	return address.ParseAddr(s)
}

// SignedHash is what the wallet signs:
// sha256(0xffff ++ "ton-connect" ++ sha256(message)).
func SignedHash(addr *address.Address, p models.Proof) []byte {
	var msg bytes.Buffer
	msg.WriteString(proofPrefix)
	_ = binary.Write(&msg, binary.BigEndian, addr.Workchain())
	msg.Write(addr.Data())
	_ = binary.Write(&msg, binary.LittleEndian, uint32(len(p.Domain.Value)))
	msg.WriteString(p.Domain.Value)
	_ = binary.Write(&msg, binary.LittleEndian, uint64(p.Timestamp))
	msg.WriteString(p.Payload)
	inner := sha256.Sum256(msg.Bytes())

	var full bytes.Buffer
	full.Write([]byte{0xff, 0xff})
	full.WriteString(connectPrefix)
	full.Write(inner[:])
	out := sha256.Sum256(full.Bytes())
	return out[:]
}

// checkStateInit proves the key belongs to the address: the StateInit must
// hash to the address and carry the key in its data cell.
func checkStateInit(boc string, addr *address.Address, pub []byte) error {
	raw, err := base64.StdEncoding.DecodeString(boc)
	if err != nil {
		return fmt.Errorf("decode state init: %w", err)
	}
	root, err := cell.FromBOC(raw)
	if err != nil {
		return fmt.Errorf("parse state init: %w", err)
	}
	if !bytes.Equal(root.Hash(), addr.Data()) {
		return fmt.Errorf("state init hash does not match address")
	}

	var si tlb.StateInit
	if err := tlb.LoadFromCell(&si, root.BeginParse()); err != nil {
		return fmt.Errorf("load state init: %w", err)
	}
	if si.Data == nil {
		return fmt.Errorf("state init has no data")
	}
	for _, off := range pubKeyOffsets {
		if key, err := keyAt(si.Data, off); err == nil && bytes.Equal(key, pub) {
			return nil
		}
	}
	return fmt.Errorf("public key not found in wallet data")
}

func keyAt(data *cell.Cell, offset uint) ([]byte, error) {
	s := data.BeginParse()
	if _, err := s.LoadSlice(offset); err != nil {
		return nil, err
	}
	return s.LoadSlice(256)
}
