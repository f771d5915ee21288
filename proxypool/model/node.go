package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Family 是上游节点的协议族
type Family string

const (
	FamilyShadowsocks Family = "ss"
	FamilyVMess       Family = "vmess"
)

// Source 是节点的来源
type Source string

const (
	SourceScanned      Source = "scanned"      // 扫描协作者产出的结构化文件
	SourceSubscription Source = "subscription" // 用户提供的订阅
)

// CountryInfo 是归一化后的国家信息，Code 为 ISO alpha-2。
type CountryInfo struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// ShadowsocksAuth 是 ss 节点的凭据
type ShadowsocksAuth struct {
	Cipher   string `json:"cipher"`
	Password string `json:"password"`
}

// VMessAuth 是 vmess 节点的凭据与传输参数
type VMessAuth struct {
	UUID     string `json:"uuid"`
	AlterID  int    `json:"alter_id"`
	Security string `json:"security,omitempty"` // 加密方式, 空值等同于 "none"
	Network  string `json:"network,omitempty"`  // tcp | ws
	Path     string `json:"path,omitempty"`
	HostName string `json:"host,omitempty"` // ws Host 头
	TLS      bool   `json:"tls,omitempty"`
	SNI      string `json:"sni,omitempty"`
}

// Node 是归一化后的上游节点描述，是整个模块的核心数据结构。
// SS 与 VMess 恰好有一个非空，且与 Family 一致。
type Node struct {
	ID      string       `json:"id"` // 由连接参数派生，不含显示名
	Family  Family       `json:"family"`
	Host    string       `json:"host"`
	Port    int          `json:"port"`
	Name    string       `json:"name,omitempty"`
	Source  Source       `json:"source"`
	Country *CountryInfo `json:"country,omitempty"`

	SS    *ShadowsocksAuth `json:"-"`
	VMess *VMessAuth       `json:"-"`
}

// Validate 检查节点是否满足不变量。
func (n *Node) Validate() error {
	if n.Host == "" {
		return fmt.Errorf("missing host")
	}
	if n.Port <= 0 || n.Port > 65535 {
		return fmt.Errorf("invalid port %d", n.Port)
	}
	switch n.Family {
	case FamilyShadowsocks:
		if n.SS == nil || n.VMess != nil {
			return fmt.Errorf("ss node must carry only ss credentials")
		}
		if n.SS.Cipher == "" || n.SS.Password == "" {
			return fmt.Errorf("ss node missing cipher or password")
		}
	case FamilyVMess:
		if n.VMess == nil || n.SS != nil {
			return fmt.Errorf("vmess node must carry only vmess credentials")
		}
		if n.VMess.UUID == "" {
			return fmt.Errorf("vmess node missing uuid")
		}
	default:
		return fmt.Errorf("unsupported family %q", n.Family)
	}
	return nil
}

// Address 返回 host:port
func (n *Node) Address() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// IdentityKey 返回参与 ID 计算的规范化连接参数。显示名与来源不参与。
func (n *Node) IdentityKey() string {
	switch n.Family {
	case FamilyShadowsocks:
		return strings.Join([]string{"ss", strings.ToLower(n.Host), strconv.Itoa(n.Port), n.SS.Cipher, n.SS.Password}, "\x00")
	case FamilyVMess:
		v := n.VMess
		return strings.Join([]string{
			"vmess", strings.ToLower(n.Host), strconv.Itoa(n.Port), strings.ToLower(v.UUID),
			strconv.Itoa(v.AlterID), v.security(), v.network(), v.Path, v.HostName,
			strconv.FormatBool(v.TLS), v.SNI,
		}, "\x00")
	}
	return ""
}

func (v *VMessAuth) security() string {
	if v.Security == "" || v.Security == "auto" {
		return "none"
	}
	return v.Security
}

func (v *VMessAuth) network() string {
	if v.Network == "" {
		return "tcp"
	}
	return v.Network
}

// ForwardURI 返回引擎 forward 指令使用的 URI。
// vmess 在 ws/tls 传输下是一个逗号分隔的转发链。
func (n *Node) ForwardURI() string {
	switch n.Family {
	case FamilyShadowsocks:
		return fmt.Sprintf("ss://%s@%s", url.UserPassword(n.SS.Cipher, n.SS.Password).String(), n.Address())
	case FamilyVMess:
		v := n.VMess
		vmess := fmt.Sprintf("vmess://%s:%s@", v.security(), v.UUID) + alterSuffix(v.AlterID)
		var chain []string
		if v.TLS {
			tlsURI := "tls://" + n.Address()
			if v.SNI != "" {
				tlsURI += "?serverName=" + url.QueryEscape(v.SNI)
			}
			chain = append(chain, tlsURI)
		}
		if v.network() == "ws" {
			ws := "ws://"
			if !v.TLS {
				ws += n.Address()
			}
			path := v.Path
			if path == "" {
				path = "/"
			}
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}
			if v.TLS {
				ws += "@"
			}
			ws += path
			if v.HostName != "" {
				ws += "?host=" + url.QueryEscape(v.HostName)
			}
			chain = append(chain, ws)
		}
		if len(chain) == 0 {
			return fmt.Sprintf("vmess://%s:%s@%s", v.security(), v.UUID, n.Address()) + alterSuffix(v.AlterID)
		}
		chain = append(chain, vmess)
		return strings.Join(chain, ",")
	}
	return ""
}

func alterSuffix(aid int) string {
	if aid <= 0 {
		return ""
	}
	return "?alterID=" + strconv.Itoa(aid)
}

// vmessShare 是 v2rayN 分享链接中的 JSON 结构
type vmessShare struct {
	V    string `json:"v"`
	PS   string `json:"ps"`
	Add  string `json:"add"`
	Port string `json:"port"`
	ID   string `json:"id"`
	Aid  string `json:"aid"`
	Scy  string `json:"scy,omitempty"`
	Net  string `json:"net"`
	Type string `json:"type"`
	Host string `json:"host,omitempty"`
	Path string `json:"path,omitempty"`
	TLS  string `json:"tls,omitempty"`
	SNI  string `json:"sni,omitempty"`
}

// ShareURI 返回可移植的分享链接，解码后得到同一个节点 (同一 ID)。
func (n *Node) ShareURI() string {
	switch n.Family {
	case FamilyShadowsocks:
		userinfo := base64.RawURLEncoding.EncodeToString([]byte(n.SS.Cipher + ":" + n.SS.Password))
		uri := fmt.Sprintf("ss://%s@%s", userinfo, n.Address())
		if n.Name != "" {
			uri += "#" + url.PathEscape(n.Name)
		}
		return uri
	case FamilyVMess:
		v := n.VMess
		share := vmessShare{
			V: "2", PS: n.Name, Add: n.Host, Port: strconv.Itoa(n.Port), ID: v.UUID,
			Aid: strconv.Itoa(v.AlterID), Scy: v.Security, Net: v.network(), Type: "none",
			Host: v.HostName, Path: v.Path, SNI: v.SNI,
		}
		if v.TLS {
			share.TLS = "tls"
		}
		data, _ := json.Marshal(share)
		return "vmess://" + base64.StdEncoding.EncodeToString(data)
	}
	return ""
}
