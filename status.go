package nvenc

import "fmt"

// Status mirrors NVENCSTATUS as returned by every runtime entry point.
type Status uint32

const (
	StatusSuccess                Status = 0
	StatusNoEncodeDevice         Status = 1
	StatusUnsupportedDevice      Status = 2
	StatusInvalidEncoderDevice   Status = 3
	StatusInvalidDevice          Status = 4
	StatusDeviceNotExist         Status = 5
	StatusInvalidPtr             Status = 6
	StatusInvalidEvent           Status = 7
	StatusInvalidParam           Status = 8
	StatusInvalidCall            Status = 9
	StatusOutOfMemory            Status = 10
	StatusEncoderNotInitialized  Status = 11
	StatusUnsupportedParam       Status = 12
	StatusLockBusy               Status = 13
	StatusNotEnoughBuffer        Status = 14
	StatusInvalidVersion         Status = 15
	StatusMapFailed              Status = 16
	StatusNeedMoreInput          Status = 17
	StatusEncoderBusy            Status = 18
	StatusEventNotRegistered     Status = 19
	StatusGeneric                Status = 20
	StatusIncompatibleClientKey  Status = 21
	StatusUnimplemented          Status = 22
	StatusResourceRegisterFailed Status = 23
	StatusResourceNotRegistered  Status = 24
	StatusResourceNotMapped      Status = 25
)

var statusNames = [...]string{
	StatusSuccess:                "NV_ENC_SUCCESS",
	StatusNoEncodeDevice:         "NV_ENC_ERR_NO_ENCODE_DEVICE",
	StatusUnsupportedDevice:      "NV_ENC_ERR_UNSUPPORTED_DEVICE",
	StatusInvalidEncoderDevice:   "NV_ENC_ERR_INVALID_ENCODERDEVICE",
	StatusInvalidDevice:          "NV_ENC_ERR_INVALID_DEVICE",
	StatusDeviceNotExist:         "NV_ENC_ERR_DEVICE_NOT_EXIST",
	StatusInvalidPtr:             "NV_ENC_ERR_INVALID_PTR",
	StatusInvalidEvent:           "NV_ENC_ERR_INVALID_EVENT",
	StatusInvalidParam:           "NV_ENC_ERR_INVALID_PARAM",
	StatusInvalidCall:            "NV_ENC_ERR_INVALID_CALL",
	StatusOutOfMemory:            "NV_ENC_ERR_OUT_OF_MEMORY",
	StatusEncoderNotInitialized:  "NV_ENC_ERR_ENCODER_NOT_INITIALIZED",
	StatusUnsupportedParam:       "NV_ENC_ERR_UNSUPPORTED_PARAM",
	StatusLockBusy:               "NV_ENC_ERR_LOCK_BUSY",
	StatusNotEnoughBuffer:        "NV_ENC_ERR_NOT_ENOUGH_BUFFER",
	StatusInvalidVersion:         "NV_ENC_ERR_INVALID_VERSION",
	StatusMapFailed:              "NV_ENC_ERR_MAP_FAILED",
	StatusNeedMoreInput:          "NV_ENC_ERR_NEED_MORE_INPUT",
	StatusEncoderBusy:            "NV_ENC_ERR_ENCODER_BUSY",
	StatusEventNotRegistered:     "NV_ENC_ERR_EVENT_NOT_REGISTERD",
	StatusGeneric:                "NV_ENC_ERR_GENERIC",
	StatusIncompatibleClientKey:  "NV_ENC_ERR_INCOMPATIBLE_CLIENT_KEY",
	StatusUnimplemented:          "NV_ENC_ERR_UNIMPLEMENTED",
	StatusResourceRegisterFailed: "NV_ENC_ERR_RESOURCE_REGISTER_FAILED",
	StatusResourceNotRegistered:  "NV_ENC_ERR_RESOURCE_NOT_REGISTERED",
	StatusResourceNotMapped:      "NV_ENC_ERR_RESOURCE_NOT_MAPPED",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("NVENC_STATUS_%d", uint32(s))
}

// OK reports whether s is NV_ENC_SUCCESS.
func (s Status) OK() bool { return s == StatusSuccess }

// Rejected reports the two statuses that trigger a retry with a null
// encoder handle during preset negotiation.
func (s Status) Rejected() bool {
	return s == StatusInvalidParam || s == StatusInvalidEncoderDevice
}
