package dynbus

import (
	"errors"
	"strings"
)

const maxNameLen = 255

// validObjectPath checks that p is a syntactically valid object path.
func validObjectPath(p string) error {
	if p == "" {
		return errors.New("empty object path")
	}
	if p[0] != '/' {
		return errors.New("object path must start with /")
	}
	if p == "/" {
		return nil
	}
	if strings.HasSuffix(p, "/") {
		return errors.New("object path must not end with /")
	}
	for _, elem := range strings.Split(p[1:], "/") {
		if elem == "" {
			return errors.New("object path has an empty element")
		}
		for _, c := range []byte(elem) {
			if !isNameChar(c) {
				return errors.New("object path elements must be [A-Za-z0-9_]")
			}
		}
	}
	return nil
}

// validInterfaceName checks that name is a syntactically valid
// interface name. Error names follow the same rules.
func validInterfaceName(name string) error {
	if err := validNameLen(name); err != nil {
		return err
	}
	elems := strings.Split(name, ".")
	if len(elems) < 2 {
		return errors.New("name must have at least two dot-separated elements")
	}
	for _, elem := range elems {
		if err := validMemberName(elem); err != nil {
			return err
		}
	}
	return nil
}

// validMemberName checks that name is a syntactically valid method
// or signal name.
func validMemberName(name string) error {
	if err := validNameLen(name); err != nil {
		return err
	}
	if isDigit(name[0]) {
		return errors.New("name element must not start with a digit")
	}
	for _, c := range []byte(name) {
		if !isNameChar(c) {
			return errors.New("name elements must be [A-Za-z0-9_]")
		}
	}
	return nil
}

// validBusName checks that name is a syntactically valid unique or
// well-known bus name.
func validBusName(name string) error {
	if err := validNameLen(name); err != nil {
		return err
	}
	unique := name[0] == ':'
	if unique {
		name = name[1:]
	}
	elems := strings.Split(name, ".")
	if len(elems) < 2 {
		return errors.New("bus name must have at least two dot-separated elements")
	}
	for _, elem := range elems {
		if elem == "" {
			return errors.New("bus name has an empty element")
		}
		if !unique && isDigit(elem[0]) {
			return errors.New("well-known bus name element must not start with a digit")
		}
		for _, c := range []byte(elem) {
			if !isNameChar(c) && c != '-' {
				return errors.New("bus name elements must be [A-Za-z0-9_-]")
			}
		}
	}
	return nil
}

func validNameLen(name string) error {
	switch {
	case name == "":
		return errors.New("empty name")
	case len(name) > maxNameLen:
		return errors.New("name longer than 255 bytes")
	}
	return nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isNameChar(c byte) bool {
	return isDigit(c) || c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
