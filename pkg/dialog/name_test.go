package dialog

import "testing"

func TestExtractName(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"我叫小明", "小明"},
		{"我是小红", "小红"},
		{"我的名字是张小凡", "张小凡"},
		{"我名叫李雷", "李雷"},
		{"叫我阿强", "阿强"},
		{"小明", "小明"},
		{"大家都叫我小胖", "小胖"},
		{"我是我是小明", "小明"}, // stuttered self-introduction collapses
		{"我叫小明。", "小明"},
		{"小明吗", ""},     // trailing question particle
		{"我叫什么", ""},    // stop word
		{"你好", ""},      // filler
		{"嗯", ""},       // too short
		{"今天天气不错", ""}, // unrelated statement
		{"我叫欧阳娜娜啊", "欧阳娜娜"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := extractName(tt.text); got != tt.want {
				t.Errorf("extractName(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestCleanName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"小明", "小明"},
		{" 小明，", "小明"},
		{"明", ""},
		{"欧阳娜娜娜", ""},
		{"退出", ""},
		{"在吗", ""},
	}
	for _, tt := range tests {
		if got := cleanName(tt.in); got != tt.want {
			t.Errorf("cleanName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
