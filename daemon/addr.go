package daemon

import (
	"net"
	"strconv"
	"strings"

	"github.com/imattdu/xrayagent/errorx"
)

const (
	DefaultAddress = "127.0.0.1:2000"
	EnvAddress     = "AWS_XRAY_DAEMON_ADDRESS"
)

// Addr daemon 地址：UDP 收 segment，TCP 代理采样规则接口
type Addr struct {
	UDP string
	TCP string
}

// ParseAddr 支持两种写法：
//
//	host:port                 UDP 和 TCP 共用
//	tcp:host:port udp:host:port   两者分开，顺序不限
func ParseAddr(s string) (Addr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		s = DefaultAddress
	}

	fields := strings.Fields(s)
	switch len(fields) {
	case 1:
		if err := checkHostPort(fields[0]); err != nil {
			return Addr{}, addrErr(s, err)
		}
		return Addr{UDP: fields[0], TCP: fields[0]}, nil
	case 2:
		var a Addr
		for _, f := range fields {
			proto, hp, ok := strings.Cut(f, ":")
			if !ok {
				return Addr{}, addrErr(s, nil)
			}
			if err := checkHostPort(hp); err != nil {
				return Addr{}, addrErr(s, err)
			}
			switch strings.ToLower(proto) {
			case "udp":
				if a.UDP != "" {
					return Addr{}, addrErr(s, nil)
				}
				a.UDP = hp
			case "tcp":
				if a.TCP != "" {
					return Addr{}, addrErr(s, nil)
				}
				a.TCP = hp
			default:
				return Addr{}, addrErr(s, nil)
			}
		}
		return a, nil
	default:
		return Addr{}, addrErr(s, nil)
	}
}

func checkHostPort(hp string) error {
	host, port, err := net.SplitHostPort(hp)
	if err != nil {
		return err
	}
	if host == "" {
		return errorx.New(errorx.ErrDaemonAddr, errorx.WithMessage("empty host"))
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return err
	}
	if p <= 0 || p > 65535 {
		return errorx.New(errorx.ErrDaemonAddr, errorx.WithMessage("port out of range"))
	}
	return nil
}

func addrErr(s string, cause error) error {
	return errorx.New(errorx.ErrDaemonAddr,
		errorx.WithType(errorx.ErrTypeConfig),
		errorx.WithComponent(errorx.ComponentDaemon),
		errorx.WithCause(cause),
		errorx.WithField("address", s))
}

// TCPEndpoint 采样规则接口的 base URL
func (a Addr) TCPEndpoint() string {
	return "http://" + a.TCP
}

func (a Addr) String() string {
	if a.UDP == a.TCP {
		return a.UDP
	}
	return "tcp:" + a.TCP + " udp:" + a.UDP
}
