package pin

// Split separates a combined PIN+OTP pass value. With prepend the PIN comes
// first and the last otpLen characters are the OTP; otherwise the OTP comes
// first. A pass shorter than otpLen is returned entirely as the PIN.
func Split(pass string, otpLen int, prepend bool) (pinPart, otpPart string) {
	if otpLen <= 0 || len(pass) < otpLen {
		return pass, ""
	}
	if prepend {
		return pass[:len(pass)-otpLen], pass[len(pass)-otpLen:]
	}
	return pass[otpLen:], pass[:otpLen]
}

// CheckLength enforces otp_pin_minlength / otp_pin_maxlength. Zero disables a bound.
func CheckLength(pin string, minLen, maxLen int) bool {
	if minLen > 0 && len(pin) < minLen {
		return false
	}
	if maxLen > 0 && len(pin) > maxLen {
		return false
	}
	return true
}
