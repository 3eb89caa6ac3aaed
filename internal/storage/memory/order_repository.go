package memory

import (
	"sort"
	"sync"
	"time"

	"rentmarket/internal/availability"
	"rentmarket/internal/domain"
)

// orderRepositoryInMemory — простая in-memory реализация OrderRepository.
// Один mutex делает SaveWithConflictCheck тривиально атомарным.
type orderRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Order
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{
		items: make(map[string]domain.Order),
	}
}

// Create сохраняет новый заказ, если ID ещё не занят.
func (r *orderRepositoryInMemory) Create(order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return domain.ErrOrderVersionConflict
	}
	r.items[order.ID] = cloneOrder(order)
	return nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) Get(id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

// GetByNo возвращает заказ по внешнему номеру.
func (r *orderRepositoryInMemory) GetByNo(orderNo string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, order := range r.items {
		if order.OrderNo == orderNo {
			return cloneOrder(order), nil
		}
	}
	return domain.Order{}, domain.ErrOrderNotFound
}

// ListByUser возвращает заказы пользователя, ограничивая выборку limit (если >0).
func (r *orderRepositoryInMemory) ListByUser(userID string, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0, len(r.items))
	for _, order := range r.items {
		if order.UserID != userID {
			continue
		}
		result = append(result, cloneOrder(order))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// Save перезаписывает заказ, проверяя версию (optimistic locking).
func (r *orderRepositoryInMemory) Save(order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.saveLocked(order)
}

// FindBlocking возвращает заказы в блокирующих статусах, пересекающие
// закрытый диапазон [start, end] по itemID.
func (r *orderRepositoryInMemory) FindBlocking(itemID string, start, end time.Time, excludeOrderID string) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.findBlockingLocked(itemID, start, end, excludeOrderID), nil
}

// SaveWithConflictCheck атомарно пере-проверяет конфликты по позициям заказа
// и сохраняет его под тем же lock.
func (r *orderRepositoryInMemory) SaveWithConflictCheck(order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, item := range order.Items {
		blocking := r.findBlockingLocked(item.ItemID, order.StartDate, order.EndDate, order.ID)
		if len(blocking) > 0 {
			return &domain.ConflictError{ItemID: item.ItemID, BlockingOrderID: blocking[0].ID}
		}
	}

	return r.saveLocked(order)
}

func (r *orderRepositoryInMemory) saveLocked(order domain.Order) error {
	current, ok := r.items[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version != order.Version {
		return domain.ErrOrderVersionConflict
	}
	// Инкрементируем версию перед сохранением.
	order.Version++
	r.items[order.ID] = cloneOrder(order)
	return nil
}

func (r *orderRepositoryInMemory) findBlockingLocked(itemID string, start, end time.Time, excludeOrderID string) []domain.Order {
	var result []domain.Order
	for _, order := range r.items {
		if order.ID == excludeOrderID || !order.Status.IsBlocking() {
			continue
		}
		if !availability.Overlaps(order.StartDate, order.EndDate, start, end) {
			continue
		}
		for _, item := range order.Items {
			if item.ItemID == itemID {
				result = append(result, cloneOrder(order))
				break
			}
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// cloneOrder копирует заказ вместе с позициями, чтобы избежать мутаций извне.
func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Items = append([]domain.OrderItem(nil), src.Items...)
	if src.ActualReturnDate != nil {
		returned := *src.ActualReturnDate
		dst.ActualReturnDate = &returned
	}
	return dst
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
