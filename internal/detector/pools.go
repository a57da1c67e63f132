package detector

import (
	"fmt"
	"strings"
	"sync"
)

// Fake values handed out as pseudonyms. They look like the real thing so
// the model's answer reads naturally, and are long enough not to collide
// with ordinary response text.
var defaultPools = map[PIIType][]string{
	PIIName: {
		"Jordan Avery", "Casey Morgan", "Riley Bennett", "Taylor Brooks", "Morgan Ellis",
		"Quinn Harper", "Avery Collins", "Rowan Fischer", "Emerson Lane", "Parker Reyes",
		"홍길동", "김철수", "이영희", "박민준", "최서연",
	},
	PIIPhone: {
		"010-1111-2222", "010-2222-3333", "010-3333-4444", "010-4444-5555", "010-5555-6666",
		"010-6666-7777", "010-7777-8888", "010-8888-9999", "010-1212-3434", "010-9090-8080",
	},
	PIIEmail: {
		"name1@example.com", "name2@example.com", "mask@example.org", "user1@test.com",
		"user2@test.com", "sample@demo.example", "masked@privacy.example",
	},
	PIISSN: {
		"078-05-1120", "219-09-9999", "457-55-5462",
	},
	PIIRRN: {
		"900101-1000001", "910202-2000002", "920303-1000003",
	},
	PIICreditCard: {
		"4000-0000-0000-0002", "4111-1111-1111-1111", "5555-5555-5555-4444", "3782-8224-6310-0050",
	},
	PIIIPAddress: {
		"198.51.100.10", "198.51.100.20", "203.0.113.30", "203.0.113.40",
	},
	PIIAPIKey: {
		"sk-redacted-0000000000000000000001", "sk-redacted-0000000000000000000002",
	},
}

// pools hands out fake values round-robin per type. The position carries
// across calls.
type pools struct {
	mu     sync.Mutex
	values map[PIIType][]string
	pos    map[PIIType]int
}

func newPools() *pools {
	return &pools{values: defaultPools, pos: make(map[PIIType]int)}
}

// next returns the next value for t that taken rejects. When the whole
// pool is taken a numbered value is generated instead.
func (p *pools) next(t PIIType, taken func(string) bool) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	vals := p.values[t]
	for i := 0; i < len(vals); i++ {
		idx := (p.pos[t] + i) % len(vals)
		if c := vals[idx]; !taken(c) {
			p.pos[t] = idx + 1
			return c
		}
	}
	for n := 1; ; n++ {
		if c := numbered(t, n); !taken(c) {
			return c
		}
	}
}

func numbered(t PIIType, n int) string {
	switch t {
	case PIIEmail:
		return fmt.Sprintf("user%d@masked.example", n)
	case PIIName:
		return fmt.Sprintf("Person %c%d", 'A'+rune((n-1)%26), n)
	case PIIPhone:
		return fmt.Sprintf("010-9999-%04d", n%10000)
	}
	return fmt.Sprintf("[%s_%d]", strings.ToUpper(string(t)), n)
}
