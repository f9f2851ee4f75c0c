package manufacturer

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/roffe/godiag/pkg/isotp"
)

type fakeLink struct {
	responses []result
	requests  [][]byte
	commands  []string
}

type result struct {
	resp []byte
	err  error
}

func (f *fakeLink) Request(ctx context.Context, payload []byte) ([]byte, error) {
	f.requests = append(f.requests, payload)
	if len(f.responses) == 0 {
		return nil, errors.New("unexpected request")
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r.resp, r.err
}

func (f *fakeLink) Receive(ctx context.Context) ([]byte, error) {
	return f.Request(ctx, nil)
}

func (f *fakeLink) Command(ctx context.Context, cmd string) ([]string, error) {
	f.commands = append(f.commands, cmd)
	return []string{"OK"}, nil
}

func testTables() Tables {
	return Tables{
		WMI: map[string]Manufacturer{
			"WB":  BMW,
			"WVW": Volkswagen,
			"JT":  Toyota,
		},
		Profiles: map[Manufacturer]Profile{
			Generic: {Manufacturer: Generic, InitProtocol: AutoProtocol},
			BMW: {
				Manufacturer:       BMW,
				InitProtocol:       "ATSP6",
				InitCommands:       []string{"ATCEA12", "ATSH6F1"},
				ExtendedAddressing: true,
				TargetAddress:      0x12,
				RetryOnNoData:      true,
			},
			Volkswagen: {
				Manufacturer:     Volkswagen,
				CommandDelay:     5 * time.Millisecond,
				InitProtocol:     AutoProtocol,
				InitCommands:     []string{"ATSH7E0"},
				RetryOnSearching: true,
			},
		},
	}
}

func TestDetect(t *testing.T) {
	tables := testTables()
	tests := []struct {
		vin  string
		want Manufacturer
	}{
		{"WBA3A5C5XCF256985", BMW},
		{"wvwzzz1jzxw000001", Volkswagen},
		{"JTDKB20U993123456", Toyota},
		{"ZFA22300005556777", Generic},
		{"W", Generic},
		{"", Generic},
	}
	for _, tt := range tests {
		t.Run(tt.vin, func(t *testing.T) {
			if got := tables.Detect(tt.vin); got != tt.want {
				t.Errorf("Detect(%q) = %v, want %v", tt.vin, got, tt.want)
			}
		})
	}
}

func TestProfileFallsBackToGeneric(t *testing.T) {
	if got := testTables().Profile(Toyota).Manufacturer; got != Generic {
		t.Errorf("Profile(Toyota) = %v, want Generic", got)
	}
	if got := (Tables{}).Profile(BMW).Manufacturer; got != Generic {
		t.Errorf("empty tables Profile() = %v, want Generic", got)
	}
}

func TestInit(t *testing.T) {
	tests := []struct {
		vin  string
		want []string
	}{
		{"WBA3A5C5XCF256985", []string{"ATSP6", "ATCEA12", "ATSH6F1"}},
		{"WVWZZZ1JZXW000001", []string{"ATSH7E0"}},
		{"ZFA22300005556777", nil},
	}
	for _, tt := range tests {
		t.Run(tt.vin, func(t *testing.T) {
			link := &fakeLink{}
			l := New(link, testTables())
			l.Select(tt.vin)
			if err := l.Init(context.Background()); err != nil {
				t.Fatalf("Init() error = %v", err)
			}
			if !reflect.DeepEqual(link.commands, tt.want) {
				t.Errorf("commands = %v, want %v", link.commands, tt.want)
			}
		})
	}
}

func TestExtendedAddressing(t *testing.T) {
	link := &fakeLink{responses: []result{
		{resp: []byte{0x12, 0x41, 0x0C, 0x1A, 0xF8}},
		{resp: []byte{0x50, 0x03}},
	}}
	l := New(link, testTables())
	l.SelectManufacturer(BMW)

	resp, err := l.Request(context.Background(), []byte{0x01, 0x0C})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if !bytes.Equal(link.requests[0], []byte{0x12, 0x01, 0x0C}) {
		t.Errorf("sent % X, want target prefix", link.requests[0])
	}
	if !bytes.Equal(resp, []byte{0x41, 0x0C, 0x1A, 0xF8}) {
		t.Errorf("resp = % X", resp)
	}

	if _, err := l.Request(context.Background(), []byte{0x10, 0x03}); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if !bytes.Equal(link.requests[1], []byte{0x10, 0x03}) {
		t.Errorf("non mode 01 request was altered: % X", link.requests[1])
	}
}

func TestRetryOnSearching(t *testing.T) {
	link := &fakeLink{responses: []result{
		{err: isotp.ErrSearching},
		{resp: []byte{0x41, 0x0D, 0x32}},
	}}
	l := New(link, testTables(), WithSettleDelay(time.Millisecond))
	l.SelectManufacturer(Volkswagen)
	resp, err := l.Request(context.Background(), []byte{0x01, 0x0D})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if resp[2] != 0x32 || len(link.requests) != 2 {
		t.Errorf("resp = % X after %d requests", resp, len(link.requests))
	}
}

func TestRetryOnNoDataOnlyOnce(t *testing.T) {
	link := &fakeLink{responses: []result{
		{err: isotp.ErrNoData},
		{err: isotp.ErrNoData},
		{resp: []byte{0x41, 0x0D, 0x00}},
	}}
	l := New(link, testTables(), WithNoDataDelay(time.Millisecond))
	l.SelectManufacturer(BMW)
	_, err := l.Request(context.Background(), []byte{0x22, 0xF1, 0x90})
	if !errors.Is(err, isotp.ErrNoData) {
		t.Fatalf("Request() error = %v, want ErrNoData", err)
	}
	if len(link.requests) != 2 {
		t.Errorf("sent %d requests, want 2", len(link.requests))
	}
}

func TestNoRetryForGeneric(t *testing.T) {
	link := &fakeLink{responses: []result{{err: isotp.ErrNoData}}}
	l := New(link, testTables())
	if _, err := l.Request(context.Background(), []byte{0x01, 0x00}); !errors.Is(err, isotp.ErrNoData) {
		t.Fatalf("Request() error = %v", err)
	}
	if len(link.requests) != 1 {
		t.Errorf("sent %d requests, want 1", len(link.requests))
	}
}

func TestRequestHonoursContext(t *testing.T) {
	link := &fakeLink{}
	l := New(link, testTables())
	l.SelectManufacturer(Volkswagen)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Request(ctx, []byte{0x01, 0x00}); !errors.Is(err, context.Canceled) {
		t.Errorf("Request() error = %v, want context.Canceled", err)
	}
	if len(link.requests) != 0 {
		t.Error("request sent on cancelled context")
	}
}
