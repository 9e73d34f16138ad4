package assert

import "fmt"

func NotNil(value any, name ...string) {
	if value == nil {
		panic(fmt.Sprintf("expected value to be not nil %v", name))
	}
}

func NotEmptyStr(str string, name ...string) {
	if str == "" {
		panic(fmt.Sprintf("expected string to be non-empty %v", name))
	}
}
