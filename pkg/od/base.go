package od

import _ "embed"

//go:embed base.eds
var rawDefaultOd []byte

// Return embeded default object dictionary for nodeId
func Default(nodeId uint8) *ObjectDictionary {
	defaultOd, err := Parse(rawDefaultOd, nodeId)
	if err != nil {
		panic(err)
	}
	return defaultOd
}

// Raw content of the embeded default EDS
func DefaultEDS() []byte {
	return rawDefaultOd
}
