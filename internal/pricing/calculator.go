// Package pricing содержит чистый расчёт стоимости аренды. Функции
// детерминированы относительно входов — это требование идемпотентных
// повторов createOrder.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"rentmarket/internal/domain"
)

// Line — одна строка расчёта: снимок цены и количество.
type Line struct {
	PricePerDay decimal.Decimal
	Quantity    int32
}

// Quote — результат расчёта заказа.
type Quote struct {
	// PerLine — суммы по строкам в порядке входного среза.
	PerLine []decimal.Decimal
	// Total — сумма заказа, Σ PerLine.
	Total decimal.Decimal
	// Days — длительность аренды в целых днях.
	Days int
}

// Days возвращает длительность аренды в целых днях: EndDate - StartDate.
// Диапазон меньше одного полного дня некорректен.
func Days(start, end time.Time) (int, error) {
	if end.Before(start) {
		return 0, &domain.InvalidRangeError{Start: start, End: end}
	}
	days := int(end.Sub(start).Hours() / 24)
	if days < 1 {
		return 0, &domain.InvalidRangeError{Start: start, End: end}
	}
	return days, nil
}

// ComputeTotal считает стоимость по строкам и итог заказа.
// Каждая строка: PricePerDay * Quantity * days, округление до 2 знаков
// half-up. Функция без побочных эффектов.
func ComputeTotal(lines []Line, start, end time.Time) (Quote, error) {
	days, err := Days(start, end)
	if err != nil {
		return Quote{}, err
	}

	perLine := make([]decimal.Decimal, 0, len(lines))
	total := decimal.Zero
	for _, line := range lines {
		amount := line.PricePerDay.
			Mul(decimal.NewFromInt32(line.Quantity)).
			Mul(decimal.NewFromInt(int64(days))).
			Round(2)
		perLine = append(perLine, amount)
		total = total.Add(amount)
	}

	return Quote{PerLine: perLine, Total: total.Round(2), Days: days}, nil
}

// Deposit считает залог как долю от суммы заказа с тем же округлением.
func Deposit(total, rate decimal.Decimal) decimal.Decimal {
	if !rate.IsPositive() {
		return decimal.Zero
	}
	return total.Mul(rate).Round(2)
}
