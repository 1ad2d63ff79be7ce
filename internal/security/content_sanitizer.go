// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はエージェントから送信される自由記述テキスト（一時停止メモ、
// デバイス情報、ユーザーエージェント）からマークアップを除去する。
// 管理画面で表示される値のため、bluemondayのStrictPolicyで全タグを落とす。
// 監査ログのリクエストボディは原文のまま保存するため、RawTextで切り詰めのみ行う。
package security

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はプレーンテキストのサニタイズ機能のインターフェースを定義する。
type TextSanitizer interface {
	// Sanitize は全てのHTMLタグを除去し、前後の空白を取り除いた文字列を返す。
	// maxLenを超える場合はルーン単位で切り詰める。maxLenが0以下の場合は切り詰めない。
	Sanitize(raw string, maxLen int) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのポリシーはスレッドセーフに共有できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は全てのHTMLタグを除去する。
func (s *textSanitizer) Sanitize(raw string, maxLen int) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyはテキスト中の記号をHTMLエスケープするが、保存値はプレーンテキストとして扱うため戻す
	clean := strings.TrimSpace(unescapeBasic(s.policy.Sanitize(raw)))
	return truncateRunes(clean, maxLen)
}

// RawText はマークアップを残したまま、textカラムに保存できる文字列に変換する。
// 不正なUTF-8とNULはU+FFFDに置き換え、maxLenルーンで切り詰める。
func RawText(raw []byte, maxLen int) string {
	text := strings.ToValidUTF8(string(raw), "\uFFFD")
	text = strings.ReplaceAll(text, "\x00", "\uFFFD")
	return truncateRunes(text, maxLen)
}

func truncateRunes(s string, maxLen int) string {
	if maxLen > 0 && utf8.RuneCountInString(s) > maxLen {
		return string([]rune(s)[:maxLen])
	}
	return s
}

var basicEntities = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&#34;", `"`,
	"&#39;", "'",
	"&quot;", `"`,
)

func unescapeBasic(s string) string {
	return basicEntities.Replace(s)
}
