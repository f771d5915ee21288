package decoder

import (
	"sort"
	"strings"
	"unicode"

	"proxychain/proxypool/model"
)

var codeToName = map[string]string{
	"US": "United States", "CA": "Canada", "GB": "United Kingdom", "DE": "Germany",
	"FR": "France", "NL": "Netherlands", "SE": "Sweden", "NO": "Norway",
	"FI": "Finland", "DK": "Denmark", "IS": "Iceland", "IE": "Ireland",
	"IT": "Italy", "ES": "Spain", "PT": "Portugal", "PL": "Poland",
	"RU": "Russia", "UA": "Ukraine", "RO": "Romania", "HU": "Hungary",
	"CZ": "Czech Republic", "SK": "Slovakia", "CH": "Switzerland", "AT": "Austria",
	"BE": "Belgium", "LU": "Luxembourg", "CN": "China", "TW": "Taiwan",
	"HK": "Hong Kong", "MO": "Macau", "JP": "Japan", "KR": "South Korea",
	"KP": "North Korea", "SG": "Singapore", "MY": "Malaysia", "TH": "Thailand",
	"VN": "Vietnam", "ID": "Indonesia", "PH": "Philippines", "IN": "India",
	"BT": "Bhutan", "BD": "Bangladesh", "NP": "Nepal", "MM": "Myanmar",
	"AU": "Australia", "NZ": "New Zealand", "BR": "Brazil", "AR": "Argentina",
	"CL": "Chile", "CO": "Colombia", "MX": "Mexico", "ZA": "South Africa",
	"AE": "United Arab Emirates", "QA": "Qatar", "SA": "Saudi Arabia", "IL": "Israel",
	"TR": "Turkey", "IR": "Iran", "IQ": "Iraq", "EG": "Egypt",
	"NG": "Nigeria", "KE": "Kenya", "KZ": "Kazakhstan", "PK": "Pakistan",
	"GR": "Greece", "BG": "Bulgaria", "RS": "Serbia", "LT": "Lithuania",
	"LV": "Latvia", "EE": "Estonia", "MD": "Moldova", "PE": "Peru",
}

// 仅作为名称中的大写代号出现时才识别
var codeAliases = map[string]string{
	"UK": "GB",
}

var nameAliases = map[string][]string{
	"US": {"UNITED STATES", "UNITED STATES OF AMERICA", "AMERICA", "USA", "LOS ANGELES", "SILICON VALLEY", "NEW YORK"},
	"GB": {"UNITED KINGDOM", "GREAT BRITAIN", "BRITAIN", "ENGLAND", "SCOTLAND", "WALES", "LONDON"},
	"KR": {"SOUTH KOREA", "KOREA", "SEOUL"},
	"KP": {"NORTH KOREA"},
	"HK": {"HONG KONG", "HONGKONG"},
	"AE": {"UAE", "EMIRATES", "DUBAI"},
	"VN": {"VIET NAM"},
	"SA": {"SAUDI"},
	"JP": {"TOKYO", "OSAKA"},
	"DE": {"FRANKFURT"},
	"NL": {"AMSTERDAM"},
	"FR": {"PARIS"},
}

var chineseNames = map[string][]string{
	"CN": {"中国"},
	"HK": {"香港"},
	"MO": {"澳門", "澳门"},
	"TW": {"台湾", "台灣"},
	"JP": {"日本", "东京", "大阪"},
	"KR": {"韩国", "韓國", "南韓", "首尔"},
	"SG": {"新加坡", "狮城"},
	"MY": {"马来西亚", "馬來西亞"},
	"TH": {"泰国", "泰國"},
	"VN": {"越南"},
	"ID": {"印尼", "印度尼西亚"},
	"PH": {"菲律宾", "菲律賓"},
	"IN": {"印度"},
	"US": {"美国", "美國", "洛杉矶", "硅谷"},
	"CA": {"加拿大"},
	"GB": {"英国", "英國", "伦敦"},
	"FR": {"法国", "法國"},
	"DE": {"德国", "德國"},
	"RU": {"俄罗斯", "俄羅斯"},
	"AU": {"澳大利亚", "澳大利亞", "澳洲"},
	"AR": {"阿根廷"},
	"CZ": {"捷克"},
	"SE": {"瑞典"},
	"CH": {"瑞士"},
	"ES": {"西班牙"},
	"PT": {"葡萄牙"},
	"NL": {"荷兰", "荷蘭"},
	"TR": {"土耳其"},
	"IT": {"意大利"},
	"BR": {"巴西"},
	"UA": {"乌克兰"},
}

type lexiconEntry struct {
	pattern string
	code    string
}

var (
	// 名称 (含别名) 按长度降序，保证 "SOUTH KOREA" 先于 "KOREA"
	englishLexicon []lexiconEntry
	chineseLexicon []lexiconEntry
)

func init() {
	seen := make(map[string]bool)
	for code, name := range codeToName {
		englishLexicon = append(englishLexicon, lexiconEntry{strings.ToUpper(name), code})
		seen[strings.ToUpper(name)] = true
	}
	for code, aliases := range nameAliases {
		for _, alias := range aliases {
			if !seen[alias] {
				englishLexicon = append(englishLexicon, lexiconEntry{alias, code})
			}
		}
	}
	for code, names := range chineseNames {
		for _, zh := range names {
			chineseLexicon = append(chineseLexicon, lexiconEntry{zh, code})
		}
	}
	byLength := func(l []lexiconEntry) {
		sort.Slice(l, func(i, j int) bool {
			// "中国香港" 之类的名称应归到更具体的地区
			if (l[i].code == "CN") != (l[j].code == "CN") {
				return l[j].code == "CN"
			}
			li, lj := len([]rune(l[i].pattern)), len([]rune(l[j].pattern))
			if li != lj {
				return li > lj
			}
			return l[i].pattern < l[j].pattern
		})
	}
	byLength(englishLexicon)
	byLength(chineseLexicon)
}

func countryOf(code string) *model.CountryInfo {
	name, ok := codeToName[code]
	if !ok {
		name = code
	}
	return &model.CountryInfo{Name: name, Code: code}
}

// Classify 从节点显示名推断国家。依次匹配:
// 国旗 emoji、大写 ISO 代号、英文名称/别名、中文名称。无法识别时返回 nil。
func Classify(name string) *model.CountryInfo {
	if name == "" {
		return nil
	}
	if code := flagCode(name); code != "" {
		return countryOf(code)
	}
	if code := codeToken(name); code != "" {
		return countryOf(code)
	}
	if code := englishName(name); code != "" {
		return countryOf(code)
	}
	for _, e := range chineseLexicon {
		if strings.Contains(name, e.pattern) {
			return countryOf(e.code)
		}
	}
	return nil
}

// ClassifyWithHints 优先使用上游元数据中显式给出的国家代号或名称。
func ClassifyWithHints(name, codeHint, countryHint string) *model.CountryInfo {
	if c := strings.ToUpper(strings.TrimSpace(codeHint)); len(c) == 2 && isASCIIAlpha(c) {
		return countryOf(c)
	}
	if countryHint != "" {
		if c := LookupCountry(countryHint); c != nil {
			return c
		}
	}
	return Classify(name)
}

const regionalA = 0x1F1E6

func flagCode(s string) string {
	runes := []rune(s)
	for i := 0; i+1 < len(runes); i++ {
		a, b := runes[i], runes[i+1]
		if isRegional(a) && isRegional(b) {
			return string([]rune{'A' + (a - regionalA), 'A' + (b - regionalA)})
		}
	}
	return ""
}

func isRegional(r rune) bool {
	return r >= regionalA && r <= 0x1F1FF
}

// codeToken 查找名称中独立出现的两位大写代号, 如 "[US] 01"、"HK-02"。
func codeToken(s string) string {
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)))
	}) {
		if len(tok) != 2 || !isASCIIUpper(tok) {
			continue
		}
		if code, ok := codeAliases[tok]; ok {
			return code
		}
		if _, ok := codeToName[tok]; ok {
			return tok
		}
	}
	return ""
}

func englishName(s string) string {
	normalized := " " + normalizeWords(s) + " "
	for _, e := range englishLexicon {
		if strings.Contains(normalized, " "+e.pattern+" ") {
			return e.code
		}
	}
	return ""
}

// normalizeWords 转大写并把非字母数字折叠为单个空格。
func normalizeWords(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToUpper(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// LookupCountry 将用户查询 (代号、名称、别名、中文名) 解析为国家。
func LookupCountry(query string) *model.CountryInfo {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil
	}
	upper := normalizeWords(q)
	if len(upper) == 2 && isASCIIAlpha(upper) {
		if code, ok := codeAliases[upper]; ok {
			return countryOf(code)
		}
		return countryOf(upper)
	}
	for _, e := range englishLexicon {
		if e.pattern == upper {
			return countryOf(e.code)
		}
	}
	for _, e := range chineseLexicon {
		if e.pattern == q {
			return countryOf(e.code)
		}
	}
	return nil
}

// MatchCountry 判断端点国家是否满足查询; 空查询匹配所有。
// 比较按代号或名称进行，大小写不敏感。
func MatchCountry(query string, c *model.CountryInfo) bool {
	q := strings.TrimSpace(query)
	if q == "" {
		return true
	}
	if c == nil {
		return false
	}
	if resolved := LookupCountry(q); resolved != nil {
		return strings.EqualFold(resolved.Code, c.Code)
	}
	return strings.EqualFold(q, c.Name) || strings.EqualFold(q, c.Code)
}

func isASCIIUpper(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

func isASCIIAlpha(s string) bool {
	return isASCIIUpper(strings.ToUpper(s))
}
