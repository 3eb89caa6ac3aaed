package domain

// Role — роль пользователя, полученная от внешней подсистемы аутентификации.
type Role string

const (
	// RoleRenter — обычный арендатор.
	RoleRenter Role = "renter"
	// RoleAuditor — сотрудник, проводящий аудит заказов и операции выдачи/возврата.
	RoleAuditor Role = "auditor"
	// RoleFinance — сотрудник, выполняющий возвраты средств.
	RoleFinance Role = "finance"
)

// AuthContext — контекст авторизации запроса. Выдаётся внешней подсистемой
// аутентификации; движок заказов только проверяет роли и владение.
type AuthContext struct {
	UserID string
	Roles  []Role
}

// HasRole проверяет наличие роли у пользователя.
func (a AuthContext) HasRole(role Role) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole проверяет наличие хотя бы одной из ролей.
func (a AuthContext) HasAnyRole(roles ...Role) bool {
	for _, role := range roles {
		if a.HasRole(role) {
			return true
		}
	}
	return false
}
