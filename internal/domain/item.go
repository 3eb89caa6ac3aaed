package domain

import "github.com/shopspring/decimal"

// ItemStatus — статус позиции во внешнем каталоге.
type ItemStatus string

const (
	ItemStatusAvailable   ItemStatus = "available"
	ItemStatusRented      ItemStatus = "rented"
	ItemStatusMaintenance ItemStatus = "maintenance"
	ItemStatusRemoved     ItemStatus = "removed"
)

// Item — снимок позиции каталога на момент чтения. Каталогом владеет внешний
// сервис; движок заказов читает цену и статус и запрашивает смену статуса
// через порт Catalog.
type Item struct {
	ID          string
	Name        string
	PricePerDay decimal.Decimal
	Status      ItemStatus
}
