package od

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

var (
	matchIdxRegExp    = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
	matchSubidxRegExp = regexp.MustCompile(`^([0-9A-Fa-f]{4})[sS]ub([0-9A-Fa-f]+)$`)
	matchNodeIdRegExp = regexp.MustCompile(`\+?\$NODEID\+?`)
)

// Parse an EDS or DCF file
// file can be either a path or an *os.File or []byte
// $NODEID in default values is replaced by nodeId
func Parse(file any, nodeId uint8) (*ObjectDictionary, error) {
	od := NewOD()
	edsFile, err := ini.Load(file)
	if err != nil {
		return nil, err
	}

	for _, section := range edsFile.Sections() {
		sectionName := section.Name()

		// Match indexes : This adds new entries to the dictionary
		if matchIdxRegExp.MatchString(sectionName) {
			idx, err := strconv.ParseUint(sectionName, 16, 16)
			if err != nil {
				return nil, err
			}
			index := uint16(idx)
			name := section.Key("ParameterName").String()
			objType, err := strconv.ParseUint(section.Key("ObjectType").Value(), 0, 8)
			objectType := uint8(objType)

			// If no object type, default to 7 (CiA 306)
			if err != nil {
				objectType = ObjectTypeVAR
			}

			switch objectType {
			case ObjectTypeVAR, ObjectTypeDOMAIN:
				variable, err := newVariableFromSection(section, name, nodeId, index, 0)
				if err != nil {
					return nil, err
				}
				od.AddEntry(index, name, objectType).addVariable(variable)
			case ObjectTypeARRAY, ObjectTypeRECORD:
				od.AddEntry(index, name, objectType)
			default:
				return nil, fmt.Errorf("[OD] unknown object type whilst parsing EDS %v", objType)
			}
			continue
		}

		// Match subindexes, add the subindex values to Record or Array objects
		if matches := matchSubidxRegExp.FindStringSubmatch(sectionName); matches != nil {
			idx, err := strconv.ParseUint(matches[1], 16, 16)
			if err != nil {
				return nil, err
			}
			sidx, err := strconv.ParseUint(matches[2], 16, 8)
			if err != nil {
				return nil, err
			}
			index := uint16(idx)
			entry := od.Index(index)
			if entry == nil {
				return nil, fmt.Errorf("[OD] index with id x%x not found", index)
			}
			name := section.Key("ParameterName").String()
			variable, err := newVariableFromSection(section, name, nodeId, index, uint8(sidx))
			if err != nil {
				return nil, err
			}
			entry.addVariable(variable)
		}
	}
	return od, nil
}

// Create variable from section entry
func newVariableFromSection(
	section *ini.Section,
	name string,
	nodeId uint8,
	index uint16,
	subindex uint8,
) (*Variable, error) {

	dataType, err := strconv.ParseUint(section.Key("DataType").Value(), 0, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to parse 'DataType' for x%x|x%x : %w", index, subindex, err)
	}

	accessType := strings.ToLower(section.Key("AccessType").Value())
	if accessType == "" {
		return nil, fmt.Errorf("failed to get 'AccessType' for x%x|x%x", index, subindex)
	}

	// DCF files carry the configured value
	defaultValue := section.Key("DefaultValue").Value()
	if section.HasKey("ParameterValue") {
		defaultValue = section.Key("ParameterValue").Value()
	}

	offset := uint8(0)
	if strings.Contains(defaultValue, "$NODEID") {
		defaultValue = matchNodeIdRegExp.ReplaceAllString(defaultValue, "")
		offset = nodeId
	}
	encoded, err := EncodeFromString(defaultValue, uint8(dataType), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to parse 'DefaultValue' for x%x|x%x, because %w (datatype :x%x)", index, subindex, err, dataType)
	}

	variable := newVariable(name, subindex, uint8(dataType), accessType, encoded)
	variable.PdoMappable = section.Key("PDOMapping").MustBool(false)
	return variable, nil
}
