// Package platform decides which validation paths exist for a runtime
// platform and active storefront.
package platform

import (
	"fmt"
	"strings"
)

// Platform is the runtime operating system the purchase originated on.
type Platform string

const (
	Android Platform = "Android"
	IOS     Platform = "iOS"
	TvOS    Platform = "tvOS"
	MacOS   Platform = "macOS"
	Windows Platform = "Windows"
	Editor  Platform = "Editor"
)

// Storefront identifies the store a purchase was made in. The string value is
// what the validation service expects in the "store" field.
type Storefront string

const (
	GooglePlay     Storefront = "GooglePlay"
	AppleAppStore  Storefront = "AppleAppStore"
	MacAppStore    Storefront = "MacAppStore"
	AmazonAppStore Storefront = "AmazonAppStore"
	WindowsStore   Storefront = "WindowsStore"
	FakeStore      Storefront = "fake"
)

// remoteHosts lists, per supported storefront, the platforms it runs on.
var remoteHosts = map[Storefront][]Platform{
	GooglePlay:    {Android},
	AppleAppStore: {IOS, TvOS},
	MacAppStore:   {MacOS},
}

// localHosts lists storefronts with a local receipt validator.
var localHosts = map[Storefront][]Platform{
	GooglePlay: {Android},
}

// Gate answers capability questions. It holds no state; the zero value is ready to use.
type Gate struct{}

// SupportsRemoteValidation reports whether receipts from storefront may be sent
// to the validation service when running on p.
func (Gate) SupportsRemoteValidation(p Platform, s Storefront) bool {
	return hosted(remoteHosts, p, s)
}

// SupportsLocalValidation reports whether a local validator exists for s on p.
func (Gate) SupportsLocalValidation(p Platform, s Storefront) bool {
	return hosted(localHosts, p, s)
}

func hosted(table map[Storefront][]Platform, p Platform, s Storefront) bool {
	for _, candidate := range table[s] {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePlatform maps a configuration string to a Platform, case-insensitively.
func ParsePlatform(s string) (Platform, error) {
	for _, p := range []Platform{Android, IOS, TvOS, MacOS, Windows, Editor} {
		if strings.EqualFold(string(p), s) {
			return p, nil
		}
	}
	switch strings.ToLower(s) {
	case "osx", "darwin", "mac":
		return MacOS, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// ParseStorefront maps a configuration string to a Storefront, case-insensitively.
func ParseStorefront(s string) (Storefront, error) {
	for _, sf := range []Storefront{GooglePlay, AppleAppStore, MacAppStore, AmazonAppStore, WindowsStore, FakeStore} {
		if strings.EqualFold(string(sf), s) {
			return sf, nil
		}
	}
	return "", fmt.Errorf("unknown storefront %q", s)
}
