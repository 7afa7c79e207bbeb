package reply

// civilToUnix converts a civil (Gregorian) calendar date and time-of-day to
// a unix timestamp, using Howard Hinnant's days-from-civil algorithm. This
// mirrors the original firmware's hand-rolled days_from_civil computation
// exactly, since the CIPGSMLOC reply only ever gives a civil date/time, not
// a unix timestamp.
func civilToUnix(year, month, day, hour, minute, second int) int32 {
	y := int64(year)
	if month <= 2 {
		y--
	}
	m := int64(month)
	d := int64(day)

	era := y / 400
	if y < 0 {
		era = (y - 399) / 400
	}
	yoe := y - era*400 // [0, 399]

	mm := m + 9
	if m > 2 {
		mm = m - 3
	}
	doy := (153*mm+2)/5 + d - 1 // [0, 365]

	doe := yoe*365 + yoe/4 - yoe/100 + doy // [0, 146096]

	days := era*146097 + doe - 719468

	unix := days*86400 + int64(hour)*3600 + int64(minute)*60 + int64(second)
	return int32(unix)
}
