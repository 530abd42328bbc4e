package keyword

import (
	"fmt"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Hello World", []string{"hello", "world"}},
		{"GPT-4 turbo", []string{"gpt", "turbo"}},
		{"user_42 likes oolong!", []string{"user", "42", "likes", "oolong"}},
		{"a I", nil},
		{"", nil},
		{"今天天气", []string{"今天", "天天", "天气"}},
		{"茶", []string{"茶"}},
		{"我喜欢oolong茶", []string{"我喜", "喜欢", "oolong", "茶"}},
		{"東京カタカナ", []string{"東京", "京カ", "カタ", "タカ", "カナ"}},
	}
	for _, tt := range tests {
		got := Tokenize(tt.in)
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("Tokenize(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTokenizeNoSeparatorBytes(t *testing.T) {
	for _, tok := range Tokenize("key:value http://host:8080 a:b:c 你:好") {
		for i := 0; i < len(tok); i++ {
			if tok[i] == ':' {
				t.Fatalf("token %q contains separator byte", tok)
			}
		}
	}
}
