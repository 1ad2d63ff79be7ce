// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// プロフィール管理はCRUD層が所有し、このサービスからは読み取りのみ行う。
type User struct {
	ID           string
	Email        string
	Name         string
	Role         string
	PasswordHash string // argon2idエンコード済み
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Employment はユーザーの雇用情報を表す。
// SecurityFundDeductedはfalse→trueに一度だけ遷移する。
type Employment struct {
	UserID                   string
	Role                     string // usersテーブルからJOINして取得する
	StartDate                time.Time
	FirstPayrollEligibleFrom time.Time
	SecurityFundDeducted     bool
	RemoteAccessUsername     string
	RemoteAccessPassword     string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// IsPayrollEligible は指定週の給与計算対象かどうかを返す。
func (e *Employment) IsPayrollEligible(weekStart time.Time) bool {
	return !weekStart.Before(e.FirstPayrollEligibleFrom)
}

// Device はエージェントが動作する端末を表す。
// Secretは初回ログイン時に一度だけ発行され、以降のログインでも再利用される。
type Device struct {
	ID           string
	UserID       string
	Secret       string
	Info         string
	RegisteredAt time.Time
	LastLoginAt  time.Time
}
