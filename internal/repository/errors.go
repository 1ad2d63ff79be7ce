package repository

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrDuplicate は一意制約違反を表す。呼び出し側が冪等な結果として解釈する。
	ErrDuplicate = errors.New("duplicate key")

	// ErrNotFound は更新対象の行が存在しないことを表す。
	ErrNotFound = errors.New("not found")

	// ErrFundAlreadyDeducted は保証金が既に控除済みだったことを表す。
	ErrFundAlreadyDeducted = errors.New("security fund already deducted")
)

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

// isUniqueViolation はerrがPostgreSQLの一意制約違反かどうかを返す。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}
