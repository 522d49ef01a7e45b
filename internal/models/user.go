package models

type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Nickname string `json:"nickname"`
	IsActive bool   `json:"is_active"`
}
