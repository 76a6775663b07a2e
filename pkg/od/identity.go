package od

// Identity object (0x1018, mandatory)
type Identity struct {
	VendorId       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32
}

// Read identity object, vendor id is the only mandatory field
func (od *ObjectDictionary) Identity() (Identity, error) {
	entry := od.Index(EntryIdentityObject)
	if entry == nil {
		return Identity{}, ErrIdxNotExist
	}
	vendorId, err := entry.Uint32(1)
	if err != nil {
		return Identity{}, err
	}
	productCode, _ := entry.Uint32(2)
	revisionNumber, _ := entry.Uint32(3)
	serialNumber, _ := entry.Uint32(4)
	return Identity{
		VendorId:       vendorId,
		ProductCode:    productCode,
		RevisionNumber: revisionNumber,
		SerialNumber:   serialNumber,
	}, nil
}
