package brain

import "testing"

func TestParseNameIntent(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want NameIntent
	}{
		{
			name: "plain json name",
			raw:  `{"is_name": true, "name": "小明", "skip": false, "other_intent": false, "reply": ""}`,
			want: NameIntent{IsName: true, Name: "小明"},
		},
		{
			name: "fenced json",
			raw:  "```json\n{\"is_name\": false, \"name\": null, \"skip\": true, \"other_intent\": false, \"reply\": \"好的\"}\n```",
			want: NameIntent{Skip: true, Reply: "好的"},
		},
		{
			name: "literal null name clears is_name",
			raw:  `{"is_name": true, "name": "null", "skip": false, "other_intent": false, "reply": ""}`,
			want: NameIntent{},
		},
		{
			name: "other intent with reply",
			raw:  `{"is_name": false, "name": null, "skip": false, "other_intent": true, "reply": "今天天气确实不错呢"}`,
			want: NameIntent{OtherIntent: true, Reply: "今天天气确实不错呢"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseNameIntent(tt.raw)
			if err != nil {
				t.Fatalf("parseNameIntent: %v", err)
			}
			if *got != tt.want {
				t.Errorf("got %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestParseNameIntentRejectsNonJSON(t *testing.T) {
	if _, err := parseNameIntent("我也不知道你在说什么"); err == nil {
		t.Error("expected error for non-JSON response")
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"{\"a\":1}", "{\"a\":1}"},
		{"```\n{\"a\":1}\n```", "{\"a\":1}"},
		{"```json\n{\"a\":1}\n```", "{\"a\":1}"},
		{"```json\n{\"a\":1}", "{\"a\":1}"},
	}
	for _, tt := range tests {
		if got := stripCodeFence(tt.in); got != tt.want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
