package billing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SCHEDULER - Contract dates -> monthly installments
// =============================================================================

// DefaultMaxMonths bounds how many monthly installments a single contract can
// produce (20 years).
const DefaultMaxMonths = 240

// Schedule is the scheduler's output. An empty schedule (Count 0, zero
// amount) means the inputs could not be scheduled.
type Schedule struct {
	Count         int
	MonthlyAmount decimal.Decimal
	Installments  []Installment
}

func (s Schedule) Empty() bool { return s.Count == 0 }

// Total is the sum of every installment.
func (s Schedule) Total() decimal.Decimal {
	return s.MonthlyAmount.Mul(decimal.NewFromInt(int64(s.Count)))
}

// Scheduler turns contract dates into installments. It holds no state and
// does no I/O; the zero value uses DefaultMaxMonths.
type Scheduler struct {
	MaxMonths int
}

// ComputeInstallments schedules with the default month cap.
func ComputeInstallments(start, end string, monthly decimal.Decimal) Schedule {
	return Scheduler{}.Compute(start, end, monthly)
}

// Compute returns the installments for a contract running from start to end
// (both YYYY-MM-DD, end inclusive). An empty end means open-ended: only the
// first installment is produced. Unparseable dates or an end before start
// yield an empty schedule.
func (s Scheduler) Compute(start, end string, monthly decimal.Decimal) Schedule {
	startDate, err := ParseDate(start)
	if err != nil {
		return Schedule{MonthlyAmount: decimal.Zero}
	}

	amount := RoundAmount(monthly)

	if strings.TrimSpace(end) == "" {
		return Schedule{
			Count:         1,
			MonthlyAmount: amount,
			Installments:  []Installment{newInstallment(startDate, amount)},
		}
	}

	endDate, err := ParseDate(end)
	if err != nil || endDate.Before(startDate) {
		return Schedule{MonthlyAmount: decimal.Zero}
	}

	var installments []Installment
	for i := 0; i < s.maxMonths(); i++ {
		due := startDate.AddMonthsClamped(i)
		if due.After(endDate) {
			break
		}
		installments = append(installments, newInstallment(due, amount))
	}

	return Schedule{
		Count:         len(installments),
		MonthlyAmount: amount,
		Installments:  installments,
	}
}

func (s Scheduler) maxMonths() int {
	if s.MaxMonths <= 0 {
		return DefaultMaxMonths
	}
	return s.MaxMonths
}

func newInstallment(due Date, amount decimal.Decimal) Installment {
	return Installment{DueDate: due, Competence: due.Competence(), Amount: amount}
}

// RoundAmount rounds to cents, half away from zero.
func RoundAmount(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}
