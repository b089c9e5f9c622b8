package domain

// Bool возвращает указатель на значение (для LinkStatus и Verification.Success).
func Bool(b bool) *bool { return &b }

// CombineStatus: логическое И по всем политикам с доминированием nil.
// Политика без записи в outcomes считается ожидающей проверки.
// Пустой набор политик ничего не запрещает и дает true.
func CombineStatus(policyIDs []string, outcomes map[string]*bool) *bool {
	result := true
	for _, id := range policyIDs {
		s, ok := outcomes[id]
		if !ok || s == nil {
			return nil
		}
		result = result && *s
	}
	return Bool(result)
}

// FormatStatus: для логов.
func FormatStatus(s *bool) string {
	switch {
	case s == nil:
		return "pending"
	case *s:
		return "allow"
	default:
		return "block"
	}
}
