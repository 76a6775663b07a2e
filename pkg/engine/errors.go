package engine

// Error status bits reported to the protocol engine, one bit per
// error condition. Bits below [ErrorEmergencyBufferFull] are
// communication errors.
type ErrorCategory uint8

const (
	ErrorNoError                ErrorCategory = 0x00
	ErrorCanBusWarning          ErrorCategory = 0x01
	ErrorRxMsgWrongLength       ErrorCategory = 0x02
	ErrorRxMsgOverflow          ErrorCategory = 0x03
	ErrorRpdoWrongLength        ErrorCategory = 0x04
	ErrorRpdoOverflow           ErrorCategory = 0x05
	ErrorCanRxBusPassive        ErrorCategory = 0x06
	ErrorCanTxBusPassive        ErrorCategory = 0x07
	ErrorNmtWrongCommand        ErrorCategory = 0x08
	ErrorCanTxBusOff            ErrorCategory = 0x12
	ErrorCanRxOverflow          ErrorCategory = 0x13
	ErrorCanTxOverflow          ErrorCategory = 0x14
	ErrorTpdoOutsideWindow      ErrorCategory = 0x15
	ErrorRpdoTimeOut            ErrorCategory = 0x17
	ErrorSyncTimeOut            ErrorCategory = 0x18
	ErrorSyncLength             ErrorCategory = 0x19
	ErrorPdoWrongMapping        ErrorCategory = 0x1A
	ErrorHeartbeatConsumer      ErrorCategory = 0x1B
	ErrorEmergencyBufferFull    ErrorCategory = 0x20
	ErrorMicrocontrollerReset   ErrorCategory = 0x22
	ErrorWrongErrorReport       ErrorCategory = 0x28
	ErrorGenericError           ErrorCategory = 0x2B
	ErrorGenericSoftwareError   ErrorCategory = 0x2C
	ErrorInconsistentObjectDict ErrorCategory = 0x2D
	ErrorNonVolatileMemory      ErrorCategory = 0x2F
	ErrorManufacturerStart      ErrorCategory = 0x30
	ErrorStatusBits                           = 80
)

var categoryDescription = map[ErrorCategory]string{
	ErrorNoError:                "Error Reset or No Error",
	ErrorCanBusWarning:          "CAN bus warning limit reached",
	ErrorRxMsgWrongLength:       "Wrong data length of the received CAN message",
	ErrorRxMsgOverflow:          "Previous received CAN message wasn't processed yet",
	ErrorRpdoWrongLength:        "Wrong data length of received PDO",
	ErrorRpdoOverflow:           "Previous received PDO wasn't processed yet",
	ErrorCanRxBusPassive:        "CAN receive bus is passive",
	ErrorCanTxBusPassive:        "CAN transmit bus is passive",
	ErrorNmtWrongCommand:        "Wrong NMT command received",
	ErrorCanTxBusOff:            "CAN transmit bus is off",
	ErrorCanRxOverflow:          "CAN module receive buffer has overflowed",
	ErrorCanTxOverflow:          "CAN transmit buffer has overflowed",
	ErrorTpdoOutsideWindow:      "TPDO is outside SYNC window",
	ErrorRpdoTimeOut:            "RPDO message timeout",
	ErrorSyncTimeOut:            "SYNC message timeout",
	ErrorSyncLength:             "Unexpected SYNC data length",
	ErrorPdoWrongMapping:        "Error with PDO mapping",
	ErrorHeartbeatConsumer:      "Heartbeat consumer timeout",
	ErrorEmergencyBufferFull:    "Emergency buffer is full, Emergency message wasn't sent",
	ErrorMicrocontrollerReset:   "Microcontroller has just started",
	ErrorWrongErrorReport:       "Wrong parameters to ErrorReport function",
	ErrorGenericError:           "Generic error, test usage",
	ErrorGenericSoftwareError:   "Software error",
	ErrorInconsistentObjectDict: "Object dictionary does not match the software",
	ErrorNonVolatileMemory:      "Error with access to non-volatile device memory",
}

func (c ErrorCategory) String() string {
	description, ok := categoryDescription[c]
	switch {
	case ok:
		return description
	case c >= ErrorManufacturerStart && c < ErrorStatusBits:
		return "Manufacturer error"
	default:
		return "Invalid or not implemented error status"
	}
}

// Whether the category is a communication error
func (c ErrorCategory) Communication() bool {
	return c != ErrorNoError && c < ErrorEmergencyBufferFull
}
