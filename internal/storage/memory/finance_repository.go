package memory

import (
	"sort"
	"sync"

	"rentmarket/internal/domain"
)

// financeRepositoryInMemory — in-memory журнал финансовых записей.
// Журнал append-only: обновления и удаления не поддерживаются намеренно.
type financeRepositoryInMemory struct {
	mu      sync.RWMutex
	records []domain.FinanceRecord
}

// NewFinanceRepository возвращает in-memory реализацию FinanceRepository.
func NewFinanceRepository() domain.FinanceRepository {
	return &financeRepositoryInMemory{}
}

// Create добавляет запись в журнал.
func (r *financeRepositoryInMemory) Create(record domain.FinanceRecord) error {
	if errs := record.Validate(); len(errs) > 0 {
		return errs[0]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, record)
	return nil
}

// ListByOrder возвращает записи журнала по заказу в порядке создания.
func (r *financeRepositoryInMemory) ListByOrder(orderID string) ([]domain.FinanceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.FinanceRecord, 0)
	for _, record := range r.records {
		if record.OrderID == orderID {
			result = append(result, record)
		}
	}
	sortRecords(result)
	return result, nil
}

// List возвращает последние записи журнала, ограничивая выборку limit (если >0).
func (r *financeRepositoryInMemory) List(limit int) ([]domain.FinanceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.FinanceRecord, len(r.records))
	copy(result, r.records)
	sortRecords(result)

	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func sortRecords(records []domain.FinanceRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}

var _ domain.FinanceRepository = (*financeRepositoryInMemory)(nil)
