package store

// Repositories holds every repository instance, constructed once per
// process and shared by the Orchestrator, Reconciler, Dispatcher,
// Registry, Diff Feed, and Earnings aggregator.
type Repositories struct {
	PaymentSources   *PaymentSourceRepository
	HotWallets       *HotWalletRepository
	Payments         *PaymentRepository
	Purchases        *PurchaseRepository
	Transactions     *TransactionRepository
	ActionRecords    *ActionRecordRepository
	RegistryRequests *RegistryRequestRepository
	ReconcilerCursors *ReconcilerCursorRepository
}

// NewRepositories builds every repository against client.
func NewRepositories(client *Client) *Repositories {
	return &Repositories{
		PaymentSources:    NewPaymentSourceRepository(client),
		HotWallets:        NewHotWalletRepository(client),
		Payments:          NewPaymentRepository(client),
		Purchases:         NewPurchaseRepository(client),
		Transactions:      NewTransactionRepository(client),
		ActionRecords:     NewActionRecordRepository(client),
		RegistryRequests:  NewRegistryRequestRepository(client),
		ReconcilerCursors: NewReconcilerCursorRepository(client),
	}
}
