package decoder

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"proxychain/proxypool/model"
)

// flexInt 同时接受 YAML/JSON 中的数字与数字字符串，例如 port: "443"
type flexInt int

func (f *flexInt) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	if s == "" {
		*f = 0
		return nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not an integer: %q", s)
	}
	*f = flexInt(i)
	return nil
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not an integer: %q", s)
	}
	*f = flexInt(i)
	return nil
}

type clashDocument struct {
	Proxies []yaml.Node `yaml:"proxies"`
}

type clashWSOpts struct {
	Path    string            `yaml:"path"`
	Headers map[string]string `yaml:"headers"`
}

type clashProxy struct {
	Name        string      `yaml:"name"`
	Type        string      `yaml:"type"`
	Server      string      `yaml:"server"`
	Port        flexInt     `yaml:"port"`
	Cipher      string      `yaml:"cipher"`
	Password    string      `yaml:"password"`
	Plugin      string      `yaml:"plugin"`
	UUID        string      `yaml:"uuid"`
	AlterID     flexInt     `yaml:"alterId"`
	AlterIDAlt  flexInt     `yaml:"alterID"`
	Network     string      `yaml:"network"`
	TLS         bool        `yaml:"tls"`
	ServerName  string      `yaml:"servername"`
	SNI         string      `yaml:"sni"`
	WSOpts      clashWSOpts `yaml:"ws-opts"`
	WSPath      string      `yaml:"ws-path"`
	Country     string      `yaml:"country"`
	CountryCode string      `yaml:"countryCode"`
}

func decodeClash(text string, source model.Source) *decodeResult {
	res := newResult()

	var doc clashDocument
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		res.reject(firstLine(text), fmt.Errorf("invalid yaml document: %w", err))
		return res
	}

	// 逐条解码，单条格式错误不影响其余条目
	for i := range doc.Proxies {
		var p clashProxy
		if err := doc.Proxies[i].Decode(&p); err != nil {
			res.reject(fmt.Sprintf("proxies[%d]", i), err)
			continue
		}
		n, err := p.toNode(source)
		if err != nil {
			res.reject(fmt.Sprintf("%s://proxies[%d]", p.Type, i), err)
			continue
		}
		if n == nil {
			continue
		}
		res.add(n)
	}
	return res
}

// toNode 转换单条 Clash 代理。不支持的类型返回 (nil, nil)。
func (p *clashProxy) toNode(source model.Source) (*model.Node, error) {
	n := &model.Node{
		Host: strings.TrimSpace(p.Server),
		Port: int(p.Port),
		Name: strings.TrimSpace(p.Name),
	}

	switch strings.ToLower(p.Type) {
	case "ss":
		cipher := strings.ToLower(strings.TrimSpace(p.Cipher))
		if !SupportedCiphers[cipher] {
			return nil, fmt.Errorf("unsupported ss cipher %q", p.Cipher)
		}
		if p.Plugin != "" {
			return nil, fmt.Errorf("ss plugin %q is not supported", p.Plugin)
		}
		n.Family = model.FamilyShadowsocks
		n.SS = &model.ShadowsocksAuth{Cipher: cipher, Password: p.Password}
	case "vmess":
		aid := int(p.AlterID)
		if aid == 0 {
			aid = int(p.AlterIDAlt)
		}
		network := strings.ToLower(p.Network)
		if network != "" && network != "tcp" && network != "ws" {
			return nil, fmt.Errorf("vmess network %q is not supported", p.Network)
		}
		path := p.WSOpts.Path
		if path == "" {
			path = p.WSPath
		}
		hostHeader := p.WSOpts.Headers["Host"]
		if hostHeader == "" {
			hostHeader = p.WSOpts.Headers["host"]
		}
		sni := p.ServerName
		if sni == "" {
			sni = p.SNI
		}
		n.Family = model.FamilyVMess
		n.VMess = &model.VMessAuth{
			UUID:     strings.TrimSpace(p.UUID),
			AlterID:  aid,
			Security: strings.ToLower(p.Cipher),
			Network:  network,
			Path:     path,
			HostName: hostHeader,
			TLS:      p.TLS,
			SNI:      sni,
		}
	default:
		return nil, nil
	}

	return finalize(n, source, p.CountryCode, p.Country)
}
