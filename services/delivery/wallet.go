package delivery

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	apperrors "github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/events"
	"github.com/R3E-Network/settlement_layer/internal/logging"
)

// SigningRequest is a transaction message waiting for a wallet signature.
// Message is the base64 serialized message the wallet signs.
type SigningRequest struct {
	ID        string    `json:"id"`
	Wallet    string    `json:"wallet"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

type walletWait struct {
	req     SigningRequest
	key     solana.PublicKey
	message []byte
	done    chan solana.Signature
}

// WalletHub hands transactions to external wallets and waits for their
// signatures. Requests live in process memory: the signature must be
// submitted to the instance that opened the request.
type WalletHub struct {
	mu      sync.Mutex
	waiting map[string]*walletWait

	events events.Publisher
	log    *logging.Logger
	now    func() time.Time
}

// NewWalletHub creates a hub. Each opened request is announced on
// publisher as a wallet.signature_requested event.
func NewWalletHub(publisher events.Publisher, log *logging.Logger) *WalletHub {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if log == nil {
		log = logging.NewTestLogger()
	}
	return &WalletHub{
		waiting: make(map[string]*walletWait),
		events:  publisher,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Signer returns a Signer for wallet whose signatures arrive through Submit.
func (h *WalletHub) Signer(wallet solana.PublicKey) Signer {
	return &walletSigner{hub: h, key: wallet}
}

// Pending lists the open requests for wallet, oldest first.
func (h *WalletHub) Pending(wallet string) []SigningRequest {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := []SigningRequest{}
	for _, w := range h.waiting {
		if w.req.Wallet == wallet {
			out = append(out, w.req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Submit completes request id with a base58 signature. The signature must
// verify against the request's message and wallet.
func (h *WalletHub) Submit(id, signature string) error {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return apperrors.InvalidRequest("signature is not base58")
	}

	h.mu.Lock()
	w, ok := h.waiting[id]
	if ok {
		delete(h.waiting, id)
	}
	h.mu.Unlock()
	if !ok {
		return apperrors.NotFound("signing request %s is not open", id)
	}
	if !sig.Verify(w.key, w.message) {
		h.mu.Lock()
		h.waiting[id] = w
		h.mu.Unlock()
		return apperrors.InvalidRequest("signature does not verify for wallet %s", w.req.Wallet)
	}
	w.done <- sig
	return nil
}

func (h *WalletHub) open(ctx context.Context, key solana.PublicKey, message []byte) *walletWait {
	w := &walletWait{
		req: SigningRequest{
			ID:        uuid.NewString(),
			Wallet:    key.String(),
			Message:   base64.StdEncoding.EncodeToString(message),
			CreatedAt: h.now(),
		},
		key:     key,
		message: message,
		done:    make(chan solana.Signature, 1),
	}
	if deadline, ok := ctx.Deadline(); ok {
		w.req.ExpiresAt = deadline.UTC()
	}

	h.mu.Lock()
	h.waiting[w.req.ID] = w
	h.mu.Unlock()

	h.events.Publish(ctx, events.Event{
		Type:      events.EventSignatureRequested,
		Owner:     w.req.Wallet,
		Reference: w.req.ID,
		Metadata:  map[string]string{"message": w.req.Message},
	})
	h.log.Debug(ctx, "signature requested", map[string]interface{}{"request_id": w.req.ID, "wallet": w.req.Wallet})
	return w
}

func (h *WalletHub) close(id string) {
	h.mu.Lock()
	delete(h.waiting, id)
	h.mu.Unlock()
}

type walletSigner struct {
	hub *WalletHub
	key solana.PublicKey
}

func (s *walletSigner) PublicKey() solana.PublicKey { return s.key }

// Sign blocks until the wallet submits a signature or ctx ends.
func (s *walletSigner) Sign(ctx context.Context, tx *solana.Transaction) error {
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}
	w := s.hub.open(ctx, s.key, message)
	defer s.hub.close(w.req.ID)

	select {
	case sig := <-w.done:
		return placeSignature(tx, s.key, sig)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func placeSignature(tx *solana.Transaction, key solana.PublicKey, sig solana.Signature) error {
	n := int(tx.Message.Header.NumRequiredSignatures)
	if len(tx.Signatures) != n {
		sigs := make([]solana.Signature, n)
		copy(sigs, tx.Signatures)
		tx.Signatures = sigs
	}
	for i := 0; i < n && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i].Equals(key) {
			tx.Signatures[i] = sig
			return nil
		}
	}
	return fmt.Errorf("wallet %s is not a required signer", key)
}
