package schedule

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ssekandi/vslaledger/pkg/models"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Calculator turns loan terms into a repayment schedule and a total
// payable figure. It is pure and deterministic: no clock, no I/O. The
// same calculator prices both direct loan origination and VSLA-internal
// loan issuance so the two paths cannot drift.
//
// Conventions, applied uniformly across all methods:
//   - Rate is a nominal percent per annum, converted to a per-period
//     rate by the term unit (months /12, weeks /52, days /365). The
//     one_time method is the exception: its rate is a whole-term percent.
//   - Every installment is rounded to the currency's minor unit using
//     round-half-up; the cumulative residual of both the amount column
//     and the principal column is forced into the last installment, so
//     the schedule sums are exact to the penny.
type Calculator struct{}

// NewCalculator creates a Calculator.
func NewCalculator() *Calculator {
	return &Calculator{}
}

// RoundAmount rounds a monetary amount to the currency's minor unit,
// half-up. Shared by every component that produces postable amounts.
func RoundAmount(c models.Currency, d decimal.Decimal) decimal.Decimal {
	return d.Round(c.Exponent())
}

// Schedule computes the ordered installments and total payable for the
// given terms. Returns models.ErrInvalidLoanTerms for bad input.
func (c *Calculator) Schedule(terms models.LoanTerms) ([]models.RepaymentInstallment, decimal.Decimal, error) {
	if err := validate(terms); err != nil {
		return nil, decimal.Zero, err
	}

	n := terms.TermLength
	if terms.Method == models.MethodOneTime {
		// A one-time loan settles in a single bullet regardless of the
		// requested term.
		n = 1
	}

	periodsPerYear := decimal.NewFromInt(terms.TermUnit.PeriodsPerYear())
	periodRate := terms.Rate.Div(hundred).Div(periodsPerYear)
	principal := terms.Principal

	principals := make([]decimal.Decimal, n)
	interests := make([]decimal.Decimal, n)

	switch terms.Method {
	case models.MethodFlatRate:
		termYears := decimal.NewFromInt(int64(n)).Div(periodsPerYear)
		totalInterest := principal.Mul(terms.Rate.Div(hundred)).Mul(termYears)
		evenSplit(principals, principal)
		evenSplit(interests, totalInterest)

	case models.MethodFixedRate:
		perInstallment := principal.Mul(periodRate)
		evenSplit(principals, principal)
		for k := range interests {
			interests[k] = perInstallment
		}

	case models.MethodMortgage:
		if periodRate.IsZero() {
			evenSplit(principals, principal)
			break
		}
		growth := one.Add(periodRate).Pow(decimal.NewFromInt(int64(n)))
		payment := principal.Mul(periodRate).Mul(growth).Div(growth.Sub(one))
		balance := principal
		for k := 0; k < n; k++ {
			interests[k] = balance.Mul(periodRate)
			principals[k] = payment.Sub(interests[k])
			balance = balance.Sub(principals[k])
		}

	case models.MethodOneTime:
		principals[0] = principal
		interests[0] = principal.Mul(terms.Rate.Div(hundred))

	case models.MethodReducingAmount:
		evenSplit(principals, principal)
		balance := principal
		for k := 0; k < n; k++ {
			interests[k] = balance.Mul(periodRate)
			balance = balance.Sub(principals[k])
		}

	case models.MethodCompound:
		total := principal.Mul(one.Add(periodRate).Pow(decimal.NewFromInt(int64(n))))
		evenSplit(principals, principal)
		evenSplit(interests, total.Sub(principal))

	default:
		return nil, decimal.Zero, fmt.Errorf("%w: unknown interest method %q", models.ErrInvalidLoanTerms, terms.Method)
	}

	return materialize(terms, principals, interests)
}

func validate(terms models.LoanTerms) error {
	if !terms.Principal.IsPositive() {
		return fmt.Errorf("%w: principal must be positive", models.ErrInvalidLoanTerms)
	}
	if terms.TermLength <= 0 {
		return fmt.Errorf("%w: term length must be positive", models.ErrInvalidLoanTerms)
	}
	if terms.Rate.IsNegative() {
		return fmt.Errorf("%w: rate must not be negative", models.ErrInvalidLoanTerms)
	}
	if terms.PenaltyRate.IsNegative() {
		return fmt.Errorf("%w: penalty rate must not be negative", models.ErrInvalidLoanTerms)
	}
	if !terms.Method.Valid() {
		return fmt.Errorf("%w: unknown interest method %q", models.ErrInvalidLoanTerms, terms.Method)
	}
	if !terms.TermUnit.Valid() {
		return fmt.Errorf("%w: unknown term unit %q", models.ErrInvalidLoanTerms, terms.TermUnit)
	}
	if terms.FirstPaymentDate.IsZero() {
		return fmt.Errorf("%w: first payment date is required", models.ErrInvalidLoanTerms)
	}
	return nil
}

func evenSplit(dst []decimal.Decimal, total decimal.Decimal) {
	per := total.Div(decimal.NewFromInt(int64(len(dst))))
	for k := range dst {
		dst[k] = per
	}
}

// materialize rounds the raw components to the currency's minor unit and
// forces both rounding residuals into the final installment.
func materialize(terms models.LoanTerms, principals, interests []decimal.Decimal) ([]models.RepaymentInstallment, decimal.Decimal, error) {
	n := len(principals)
	exp := terms.Currency.Exponent()

	rawInterest := decimal.Zero
	for _, i := range interests {
		rawInterest = rawInterest.Add(i)
	}
	totalPayable := terms.Principal.Add(rawInterest).Round(exp)

	installments := make([]models.RepaymentInstallment, n)
	balance := terms.Principal
	sumPrincipal := decimal.Zero
	sumInterest := decimal.Zero

	for k := 0; k < n; k++ {
		p := principals[k].Round(exp)
		i := interests[k].Round(exp)
		if k == n-1 {
			p = terms.Principal.Sub(sumPrincipal)
			i = totalPayable.Sub(terms.Principal).Sub(sumInterest)
		}
		sumPrincipal = sumPrincipal.Add(p)
		sumInterest = sumInterest.Add(i)
		balance = balance.Sub(p)

		installments[k] = models.RepaymentInstallment{
			Sequence:      k + 1,
			DueDate:       dueDate(terms.FirstPaymentDate, terms.TermUnit, k),
			AmountDue:     p.Add(i),
			Principal:     p,
			Interest:      i,
			Penalty:       decimal.Zero,
			PaidPrincipal: decimal.Zero,
			PaidInterest:  decimal.Zero,
			PaidPenalty:   decimal.Zero,
			Balance:       balance,
			Status:        models.InstallmentUnpaid,
		}
	}

	return installments, totalPayable, nil
}

func dueDate(first time.Time, unit models.TermUnit, k int) time.Time {
	switch unit {
	case models.TermUnitDays:
		return first.AddDate(0, 0, k)
	case models.TermUnitWeeks:
		return first.AddDate(0, 0, 7*k)
	default:
		return first.AddDate(0, k, 0)
	}
}
