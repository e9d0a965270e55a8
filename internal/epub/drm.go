package epub

import (
	"encoding/xml"
	"fmt"
)

const (
	encryptionPath = "META-INF/encryption.xml"
	sinfPath       = "META-INF/sinf.xml"
)

// Font obfuscation is not DRM; every other algorithm is.
var fontObfuscationAlgorithms = map[string]bool{
	"http://www.idpf.org/2008/embedding": true,
	"http://ns.adobe.com/pdf/enc#RC":     true,
}

type encryption struct {
	XMLName       xml.Name `xml:"encryption"`
	EncryptedData []struct {
		EncryptionMethod struct {
			Algorithm string `xml:"Algorithm,attr"`
		} `xml:"EncryptionMethod"`
	} `xml:"EncryptedData"`
}

// CheckDRM returns ErrDRMProtected when the container carries content
// encryption beyond font obfuscation.
func CheckDRM(a Archive) error {
	if a.Has(sinfPath) {
		return fmt.Errorf("%w: %s present", ErrDRMProtected, sinfPath)
	}
	if !a.Has(encryptionPath) {
		return nil
	}

	data, err := a.ReadFile(encryptionPath)
	if err != nil {
		return fmt.Errorf("%w: unreadable %s", ErrDRMProtected, encryptionPath)
	}

	var enc encryption
	if err := decodeXML(data, &enc); err != nil {
		return fmt.Errorf("%w: unparsable %s", ErrDRMProtected, encryptionPath)
	}
	for _, ed := range enc.EncryptedData {
		if !fontObfuscationAlgorithms[ed.EncryptionMethod.Algorithm] {
			return fmt.Errorf("%w: algorithm %s", ErrDRMProtected, ed.EncryptionMethod.Algorithm)
		}
	}
	return nil
}
