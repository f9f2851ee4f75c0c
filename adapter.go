package godiag

import (
	"fmt"
	"log"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

type AdapterInfo struct {
	Name               string
	Description        string
	RequiresSerialPort bool
	Capabilities       AdapterCapabilities
	New                func(*AdapterConfig) (Transport, error)
}

func (a *AdapterInfo) String() string {
	return fmt.Sprintf("%s | %s, requires serial port: %v ", a.Name, a.Description, a.RequiresSerialPort)
}

type AdapterCapabilities struct {
	OBD   bool
	UDS   bool
	KLine bool
}

func (a *AdapterCapabilities) String() string {
	return fmt.Sprintf("OBD: %v, UDS: %v, KLine: %v", a.OBD, a.UDS, a.KLine)
}

type AdapterConfig struct {
	Debug        bool
	Port         string
	PortBaudrate int
	// Address is used by network adapters, host:port
	Address   string
	OnMessage func(string)
	OnError   func(error)
}

var adapterMap = make(map[string]*AdapterInfo)

func NewAdapter(adapterName string, cfg *AdapterConfig) (Transport, error) {
	if cfg.OnMessage == nil {
		cfg.OnMessage = func(msg string) {
			_, file, no, ok := runtime.Caller(1)
			if ok {
				fmt.Printf("%s#%d %v\n", filepath.Base(file), no, msg)
			} else {
				log.Println(msg)
			}
		}
	}
	if cfg.OnError == nil {
		cfg.OnError = func(err error) {
			log.Println(err)
		}
	}
	if adapter, found := findAdapter(adapterName); found {
		return adapter.New(cfg)
	}
	return nil, fmt.Errorf("unknown adapter %q", adapterName)
}

func findAdapter(name string) (*AdapterInfo, bool) {
	if a, found := adapterMap[name]; found {
		return a, true
	}
	for n, a := range adapterMap {
		if strings.EqualFold(n, name) {
			return a, true
		}
	}
	return nil, false
}

func RegisterAdapter(adapter *AdapterInfo) error {
	if _, found := adapterMap[adapter.Name]; !found {
		adapterMap[adapter.Name] = adapter
		return nil
	}
	return fmt.Errorf("adapter %s already registered", adapter.Name)
}

func ListAdapterNames() []string {
	var out []string
	for name := range adapterMap {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

func ListAdapters() []AdapterInfo {
	var out []AdapterInfo
	for _, adapter := range adapterMap {
		out = append(out, *adapter)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}
