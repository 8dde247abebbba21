package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HotWalletRepository handles hot_wallets CRUD.
type HotWalletRepository struct {
	client *Client
}

func NewHotWalletRepository(client *Client) *HotWalletRepository {
	return &HotWalletRepository{client: client}
}

func (r *HotWalletRepository) Create(ctx context.Context, w *HotWallet) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := time.Now()
	w.CreatedAt, w.UpdatedAt = now, now

	query := `
		INSERT INTO hot_wallets (
			id, wallet_vkey, wallet_address, type, payment_source_id,
			encrypted_mnemonic, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.client.ExecContext(ctx, query,
		w.ID, w.WalletVkey, w.WalletAddress, w.Type, w.PaymentSourceID,
		w.EncryptedMnemonic, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create hot wallet: %w", err)
	}
	return nil
}

const hotWalletColumns = `
	id, wallet_vkey, wallet_address, type, payment_source_id,
	encrypted_mnemonic, deleted_at, created_at, updated_at`

func scanHotWallet(scanner interface{ Scan(...interface{}) error }) (*HotWallet, error) {
	w := &HotWallet{}
	err := scanner.Scan(
		&w.ID, &w.WalletVkey, &w.WalletAddress, &w.Type, &w.PaymentSourceID,
		&w.EncryptedMnemonic, &w.DeletedAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (r *HotWalletRepository) Get(ctx context.Context, id uuid.UUID) (*HotWallet, error) {
	query := "SELECT " + hotWalletColumns + " FROM hot_wallets WHERE id = $1"
	w, err := scanHotWallet(r.client.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, wrapNoRows(err, "hot wallet %s not found", id)
	}
	return w, nil
}

// ByVkeyAndSource looks up the HotWallet CreatePayment/CreatePurchase must
// validate is a live, correctly-typed wallet owned by the resolved
// PaymentSource -- the HotWallet selection invariant this spec's
// expansion makes explicit.
func (r *HotWalletRepository) ByVkeyAndSource(ctx context.Context, vkey string, paymentSourceID uuid.UUID) (*HotWallet, error) {
	query := "SELECT " + hotWalletColumns + ` FROM hot_wallets
		WHERE wallet_vkey = $1 AND payment_source_id = $2`
	w, err := scanHotWallet(r.client.QueryRowContext(ctx, query, vkey, paymentSourceID))
	if err != nil {
		return nil, wrapNoRows(err, "no hot wallet with vkey %s for payment source %s", vkey, paymentSourceID)
	}
	return w, nil
}

// ByTypeAndSource resolves the live wallet of the given Type the
// PaymentSource uses for its side of every escrow contract interaction --
// the Purchasing wallet for CreatePurchase, mirroring the Selling wallet
// resolution CreatePayment performs via ByVkeyAndSource.
func (r *HotWalletRepository) ByTypeAndSource(ctx context.Context, walletType WalletType, paymentSourceID uuid.UUID) (*HotWallet, error) {
	query := "SELECT " + hotWalletColumns + ` FROM hot_wallets
		WHERE type = $1 AND payment_source_id = $2 AND deleted_at IS NULL
		ORDER BY created_at ASC
		LIMIT 1`
	w, err := scanHotWallet(r.client.QueryRowContext(ctx, query, walletType, paymentSourceID))
	if err != nil {
		return nil, wrapNoRows(err, "no live %s wallet for payment source %s", walletType, paymentSourceID)
	}
	return w, nil
}
