package node

import (
	_ "embed"

	"github.com/dmtrstack/diameter"
)

//go:embed basedictionary.yaml
var baseDictionaryYAML string

// baseDictionary is the RFC 6733 base-protocol catalogue (CER/CEA, DWR/DWA,
// DPR/DPA and the AVPs this package constructs on their behalf), loaded once
// from the embedded YAML document. Application dictionaries are a separate
// concern; callers supply their own via diameter.DictionaryFromYamlFile for
// the AVPs their own applications carry.
var baseDictionary = mustLoadDictionary(baseDictionaryYAML)

func mustLoadDictionary(yamlDoc string) *diameter.Dictionary {
	d, err := diameter.DictionaryFromYamlString(yamlDoc)
	if err != nil {
		panic(err)
	}
	return d
}

// dictAVP builds a base-protocol AVP by name from baseDictionary. The
// dictionary always constructs AVPs as non-mandatory (it has no per-call
// notion of mandatory-ness), so mandatory is applied afterward; every AVP
// this package builds is either always-mandatory or always-optional per
// RFC 6733, never a per-call choice.
func dictAVP(name string, mandatory bool, value interface{}) *diameter.AVP {
	avp := baseDictionary.AVP(name, value)
	avp.Mandatory = mandatory
	return avp
}
