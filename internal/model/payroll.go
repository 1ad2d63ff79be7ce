// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Money は金額を最小通貨単位（1/100）の整数で表す。
// 浮動小数点の丸め誤差を避けるため、計算はすべて整数で行う。
type Money int64

// ParseMoney は "125", "125.5", "125.50" 形式の文字列をMoneyに変換する。
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	var f int64
	if hasFrac {
		if len(frac) == 0 || len(frac) > 2 {
			return 0, fmt.Errorf("invalid amount %q: at most 2 decimal places", s)
		}
		if len(frac) == 1 {
			frac += "0"
		}
		f, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q: %w", s, err)
		}
	}
	m := Money(w*100 + f)
	if neg {
		m = -m
	}
	return m, nil
}

// String は小数点以下2桁の文字列を返す。
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Float はJSONレスポンス用の浮動小数点値を返す。
func (m Money) Float() float64 {
	return float64(m) / 100
}

// Hours は小数点以下2桁に丸めた時間数を1/100単位の整数で表す（42.5時間 = 4250）。
type Hours int64

// HoursFromSeconds は秒数を時間に変換し、小数点以下2桁に四捨五入する。
func HoursFromSeconds(seconds int64) Hours {
	if seconds <= 0 {
		return 0
	}
	return Hours((seconds*100 + 1800) / 3600)
}

// Float はJSONレスポンス用の浮動小数点値を返す。
func (h Hours) Float() float64 {
	return float64(h) / 100
}

// Times は時間数×時給を最小通貨単位に四捨五入して返す。
func (h Hours) Times(rate Money) Money {
	product := int64(h) * int64(rate)
	if product >= 0 {
		return Money((product + 50) / 100)
	}
	return Money((product - 50) / 100)
}

// PayrollStatus は給与週の支払いステータスを表す。
type PayrollStatus string

const (
	PayrollStatusPending    PayrollStatus = "PENDING"
	PayrollStatusProcessing PayrollStatus = "PROCESSING"
	PayrollStatusPaid       PayrollStatus = "PAID"
	PayrollStatusDelayed    PayrollStatus = "DELAYED"
)

// payrollTransitions は外部の支払いパイプラインが許可されるステータス遷移。
// PAIDは終端状態。
var payrollTransitions = map[PayrollStatus][]PayrollStatus{
	PayrollStatusPending:    {PayrollStatusProcessing, PayrollStatusDelayed},
	PayrollStatusProcessing: {PayrollStatusPaid, PayrollStatusDelayed},
	PayrollStatusDelayed:    {PayrollStatusProcessing},
}

// CanTransitionTo はfromからtoへの遷移が許可されているかを返す。
func (s PayrollStatus) CanTransitionTo(to PayrollStatus) bool {
	for _, allowed := range payrollTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ParsePayrollStatus は文字列をPayrollStatusに変換する。
func ParsePayrollStatus(s string) (PayrollStatus, error) {
	switch PayrollStatus(s) {
	case PayrollStatusPending, PayrollStatusProcessing, PayrollStatusPaid, PayrollStatusDelayed:
		return PayrollStatus(s), nil
	}
	return "", fmt.Errorf("unknown payroll status: %q", s)
}

// DeductionBreakdown は控除の内訳を表す。
type DeductionBreakdown struct {
	SecurityFund Money
	Penalties    Money
}

// Total は控除合計を返す。
func (d DeductionBreakdown) Total() Money {
	return d.SecurityFund + d.Penalties
}

// PayrollWeek はユーザーごと・週ごとの確定済み給与計算を表す。
// (UserID, WeekStart)で一意であり、作成後に再計算されることはない。
type PayrollWeek struct {
	ID           string
	UserID       string
	WeekStart    time.Time
	WeekEnd      time.Time
	HoursDecimal Hours
	BaseAmount   Money
	StreakBonus  Money
	Deductions   DeductionBreakdown
	FinalAmount  Money
	Status       PayrollStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Penalty はポリシー違反による控除を表す。給与週は(UserID, PayrollWeekStart)で参照する。
type Penalty struct {
	ID               string
	UserID           string
	PolicyArea       string
	Amount           Money
	Reason           string
	PayrollWeekStart time.Time
	DedupeKey        string
	CreatedAt        time.Time
}

// PolicyAreaUploads は日次アップロード未提出に対するポリシー区分。
const PolicyAreaUploads = "MISSING_UPLOADS"
