package security

import (
	"strings"
	"testing"
)

// TestSanitize_StripsMarkup はタグが除去されテキストのみが残ることを検証する。
func TestSanitize_StripsMarkup(t *testing.T) {
	sanitizer := NewTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "プレーンテキストはそのまま",
			input: "昼休憩",
			want:  "昼休憩",
		},
		{
			name:  "scriptタグは内容ごと除去される",
			input: "会議<script>alert('xss')</script>",
			want:  "会議",
		},
		{
			name:  "装飾タグはテキストのみ残る",
			input: "<b>MacBook</b> <i>Pro</i>",
			want:  "MacBook Pro",
		},
		{
			name:  "イベント属性付きのタグも除去される",
			input: `<img src=x onerror="alert(1)">離席`,
			want:  "離席",
		},
		{
			name:  "前後の空白が除去される",
			input: "   note  ",
			want:  "note",
		},
		{
			name:  "記号はプレーンテキストとして残る",
			input: `{"a": 1} & "b"`,
			want:  `{"a": 1} & "b"`,
		},
		{
			name:  "空文字列",
			input: "",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input, 0)
			if got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestSanitize_TruncatesByRune は上限を超える入力がルーン単位で切り詰められることを検証する。
func TestSanitize_TruncatesByRune(t *testing.T) {
	sanitizer := NewTextSanitizer()

	got := sanitizer.Sanitize(strings.Repeat("あ", 10), 4)
	if got != "ああああ" {
		t.Errorf("Sanitize() = %q, want %q", got, "ああああ")
	}

	got = sanitizer.Sanitize("abc", 10)
	if got != "abc" {
		t.Errorf("Sanitize() = %q, want %q", got, "abc")
	}
}

// TestSanitize_Idempotent は同一入力に対して同一出力を返すことを検証する。
func TestSanitize_Idempotent(t *testing.T) {
	sanitizer := NewTextSanitizer()
	input := "<p>device <em>info</em></p>"

	first := sanitizer.Sanitize(input, 0)
	second := sanitizer.Sanitize(first, 0)
	if first != second {
		t.Errorf("Sanitize is not idempotent: %q != %q", first, second)
	}
}

func TestRawText(t *testing.T) {
	tests := []struct {
		name   string
		input  []byte
		maxLen int
		want   string
	}{
		{"マークアップは残す", []byte(`{"note":"<b>x</b>"}`), 0, `{"note":"<b>x</b>"}`},
		{"ルーン単位で切り詰める", []byte("休憩中です"), 2, "休憩"},
		{"不正なUTF-8は置換する", []byte{'a', 0xff, 'b'}, 0, "a�b"},
		{"NULは置換する", []byte("a\x00b"), 0, "a�b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RawText(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("RawText() = %q, want %q", got, tt.want)
			}
		})
	}
}
