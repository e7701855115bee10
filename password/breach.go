package password

import "strings"

// commonPasswords is a small denylist of the most frequently breached
// passwords. It is intentionally compact: the point is to reject the
// obvious offenders locally without a network dependency. Deployments
// that need full coverage should plug in an external BreachChecker.
var commonPasswords = map[string]struct{}{
	"password":    {},
	"password1":   {},
	"password123": {},
	"passw0rd":    {},
	"123456":      {},
	"1234567":     {},
	"12345678":    {},
	"123456789":   {},
	"1234567890":  {},
	"qwerty":      {},
	"qwerty123":   {},
	"qwertyuiop":  {},
	"abc123":      {},
	"iloveyou":    {},
	"admin":       {},
	"admin123":    {},
	"welcome":     {},
	"welcome1":    {},
	"letmein":     {},
	"monkey":      {},
	"dragon":      {},
	"sunshine":    {},
	"princess":    {},
	"football":    {},
	"baseball":    {},
	"master":      {},
	"shadow":      {},
	"superman":    {},
	"trustno1":    {},
	"000000":      {},
	"111111":      {},
	"654321":      {},
}

func isCommonPassword(password string) bool {
	_, found := commonPasswords[strings.ToLower(password)]
	return found
}
