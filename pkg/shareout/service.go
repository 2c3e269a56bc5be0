package shareout

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssekandi/vslaledger/pkg/ledger"
	"github.com/ssekandi/vslaledger/pkg/store"
)

// Service drives a cycle's share-out as a saga: aggregate, calculate,
// approve, settle. Each step persists its state so a crash resumes
// instead of reprocessing from scratch. Mutations are serialized per
// cycle; unrelated cycles settle concurrently.
type Service struct {
	storage store.Storage
	poster  *ledger.Poster
	logger  *logrus.Logger
	locks   *ledger.LockMap
	now     func() time.Time
}

// NewService creates a share-out Service. The lock map must be the loan
// ledger's, so settlement and concurrent repayments of the same loan
// serialize on the same per-loan locks.
func NewService(storage store.Storage, poster *ledger.Poster, locks *ledger.LockMap, logger *logrus.Logger) *Service {
	return &Service{
		storage: storage,
		poster:  poster,
		locks:   locks,
		logger:  logger,
		now:     time.Now,
	}
}
