package decoder

import (
	"testing"

	"proxychain/proxypool/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		wantCode string
	}{
		{"🇭🇰 Hong Kong 01", "HK"},
		{"🇸🇬|sg-premium", "SG"},
		{"[US] node-3", "US"},
		{"JP-Osaka-02", "JP"},
		{"UK London", "GB"},
		{"South Korea Seoul", "KR"},
		{"north korea", "KP"},
		{"hongkong relay", "HK"},
		{"Frankfurt 1Gbps", "DE"},
		{"美国洛杉矶 01", "US"},
		{"中国香港 IPLC", "HK"},
		{"印度尼西亚 雅加达", "ID"},
		// 小写的 "in" 不视为印度代号
		{"in the cloud", ""},
		{"free node 42", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.name)
			if tt.wantCode == "" {
				if got != nil {
					t.Errorf("Classify(%q) = %+v, want nil", tt.name, got)
				}
				return
			}
			if got == nil || got.Code != tt.wantCode {
				t.Errorf("Classify(%q) = %+v, want code %s", tt.name, got, tt.wantCode)
			}
		})
	}
}

func TestClassify_UnknownFlagKeepsCode(t *testing.T) {
	// 🇦🇶 (Antarctica) is not in the name table
	got := Classify("🇦🇶 research station")
	if got == nil || got.Code != "AQ" || got.Name != "AQ" {
		t.Errorf("Classify() = %+v, want AQ/AQ", got)
	}
}

func TestMatchCountry(t *testing.T) {
	us := &model.CountryInfo{Name: "United States", Code: "US"}
	tests := []struct {
		query string
		c     *model.CountryInfo
		want  bool
	}{
		{"", nil, true},
		{"US", us, true},
		{"us", us, true},
		{"united states", us, true},
		{"USA", us, true},
		{"美国", us, true},
		{"JP", us, false},
		{"US", nil, false},
		{"Atlantis", &model.CountryInfo{Name: "Atlantis", Code: "XA"}, true},
	}
	for _, tt := range tests {
		if got := MatchCountry(tt.query, tt.c); got != tt.want {
			t.Errorf("MatchCountry(%q, %+v) = %v, want %v", tt.query, tt.c, got, tt.want)
		}
	}
}

func TestLookupCountry(t *testing.T) {
	if c := LookupCountry("uk"); c == nil || c.Code != "GB" {
		t.Errorf("LookupCountry(uk) = %+v", c)
	}
	if c := LookupCountry("Hong Kong"); c == nil || c.Code != "HK" {
		t.Errorf("LookupCountry(Hong Kong) = %+v", c)
	}
	if c := LookupCountry("日本"); c == nil || c.Code != "JP" {
		t.Errorf("LookupCountry(日本) = %+v", c)
	}
	if c := LookupCountry("usa"); c == nil || c.Code != "US" {
		t.Errorf("LookupCountry(usa) = %+v", c)
	}
	if c := LookupCountry("nowhere land"); c != nil {
		t.Errorf("LookupCountry(nowhere land) = %+v, want nil", c)
	}
}
