// Package auth owns user accounts, password hashing, JWT issuance and the
// protect/authorize middleware.
package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"erp/ecommerce/buildmart/internal/platform/apperr"
	"erp/ecommerce/buildmart/internal/platform/httpx"
	"erp/ecommerce/buildmart/internal/store"
)

// ---------------------------------------------------------------------------
// Entity
// ---------------------------------------------------------------------------

const (
	RoleAdmin      = "admin"
	RoleWholesaler = "wholesaler"
	RoleRetailer   = "retailer"
	RoleCustomer   = "customer"
	RoleSupplier   = "supplier"

	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusPending   = "pending"

	bcryptCost = 10
)

type Address struct {
	Street  string `json:"street,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	ZipCode string `json:"zip_code,omitempty"`
	Country string `json:"country,omitempty"`
}

type BusinessDetails struct {
	BusinessName       string `json:"business_name,omitempty"`
	BusinessType       string `json:"business_type,omitempty"`
	GSTNumber          string `json:"gst_number,omitempty"`
	RegistrationNumber string `json:"registration_number,omitempty"`
}

type User struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Email           string          `json:"email"`
	Phone           string          `json:"phone"`
	Role            string          `json:"role"`
	Address         Address         `json:"address"`
	BusinessDetails BusinessDetails `json:"business_details"`
	CreditLimit     float64         `json:"credit_limit"`
	UsedCredit      float64         `json:"used_credit"`
	Avatar          string          `json:"avatar,omitempty"`
	IsVerified      bool            `json:"is_verified"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type userRecord struct {
	User
	PasswordHash string
}

// IsSeller reports whether role lists and sells products.
func IsSeller(role string) bool {
	return role == RoleSupplier || role == RoleWholesaler
}

func normalizeRole(role string) string {
	r := strings.ToLower(strings.TrimSpace(role))
	switch r {
	case RoleAdmin, RoleWholesaler, RoleRetailer, RoleCustomer, RoleSupplier:
		return r
	default:
		return ""
	}
}

func normalizeStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	switch s {
	case StatusActive, StatusSuspended, StatusPending:
		return s
	default:
		return ""
	}
}

type RegisterRequest struct {
	Name            string           `json:"name" validate:"required,max=50"`
	Email           string           `json:"email" validate:"required,email"`
	Password        string           `json:"password" validate:"required,min=6"`
	Phone           string           `json:"phone" validate:"required"`
	Role            string           `json:"role" validate:"omitempty,oneof=customer wholesaler retailer supplier"`
	Address         *Address         `json:"address,omitempty"`
	BusinessDetails *BusinessDetails `json:"business_details,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type UpdatePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=6"`
}

// AdminUpdateRequest is what an admin may change on any account.
type AdminUpdateRequest struct {
	Role        *string  `json:"role,omitempty" validate:"omitempty,oneof=admin wholesaler retailer customer supplier"`
	Status      *string  `json:"status,omitempty" validate:"omitempty,oneof=active suspended pending"`
	CreditLimit *float64 `json:"credit_limit,omitempty" validate:"omitempty,gte=0"`
	IsVerified  *bool    `json:"is_verified,omitempty"`
}

type ProfileUpdateRequest struct {
	Name            *string          `json:"name,omitempty" validate:"omitempty,min=1,max=50"`
	Phone           *string          `json:"phone,omitempty" validate:"omitempty,min=1"`
	Address         *Address         `json:"address,omitempty"`
	BusinessDetails *BusinessDetails `json:"business_details,omitempty"`
	Avatar          *string          `json:"avatar,omitempty" validate:"omitempty,url"`
}

type UserFilter struct {
	Role   string
	Status string
	Search string
	Page   int
	Limit  int
}

type UserPage struct {
	Items []User `json:"items"`
	Total int    `json:"total"`
	Page  int    `json:"page"`
	Pages int    `json:"pages"`
}

// Service stores accounts in Postgres, or in memory when db is nil.
type Service struct {
	db     *sql.DB
	tokens *Tokens
	log    zerolog.Logger

	memMu      sync.RWMutex
	memByID    map[string]userRecord
	memByEmail map[string]string
}

func NewService(db *sql.DB, tokens *Tokens, log zerolog.Logger) *Service {
	return &Service{
		db:         db,
		tokens:     tokens,
		log:        log.With().Str("component", "auth").Logger(),
		memByID:    make(map[string]userRecord),
		memByEmail: make(map[string]string),
	}
}

func (s *Service) Tokens() *Tokens { return s.tokens }

// ---------------------------------------------------------------------------
// Register / Login
// ---------------------------------------------------------------------------

// Register creates a non-admin account and returns it with a signed token.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (User, string, error) {
	role := normalizeRole(req.Role)
	if role == "" {
		role = RoleCustomer
	}
	if role == RoleAdmin {
		return User{}, "", apperr.Forbidden("admin accounts cannot be self-registered")
	}
	u, err := s.createUser(ctx, req, role)
	if err != nil {
		return User{}, "", err
	}
	token, err := s.tokens.Issue(u)
	if err != nil {
		return User{}, "", err
	}
	return u, token, nil
}

// CreateAdmin seeds an admin account.
func (s *Service) CreateAdmin(ctx context.Context, name, email, password, phone string) (User, error) {
	req := RegisterRequest{Name: name, Email: email, Password: password, Phone: phone}
	if err := httpx.Validate(req); err != nil {
		return User{}, err
	}
	return s.createUser(ctx, req, RoleAdmin)
}

func (s *Service) createUser(ctx context.Context, req RegisterRequest, role string) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	u := User{
		ID:        store.NewID("usr"),
		Name:      strings.TrimSpace(req.Name),
		Email:     strings.ToLower(strings.TrimSpace(req.Email)),
		Phone:     strings.TrimSpace(req.Phone),
		Role:      role,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Address != nil {
		u.Address = *req.Address
	}
	if u.Address.Country == "" {
		u.Address.Country = "Pakistan"
	}
	if req.BusinessDetails != nil {
		u.BusinessDetails = *req.BusinessDetails
	}
	rec := userRecord{User: u, PasswordHash: string(hash)}

	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		if _, exists := s.memByEmail[u.Email]; exists {
			return User{}, apperr.Conflict("user already exists with this email")
		}
		s.memByID[u.ID] = rec
		s.memByEmail[u.Email] = u.ID
		return u, nil
	}

	addr, _ := json.Marshal(u.Address)
	biz, _ := json.Marshal(u.BusinessDetails)
	q := `INSERT INTO users (id, name, email, password_hash, phone, role, address, business_details, credit_limit, used_credit, avatar, is_verified, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	if _, err := s.db.ExecContext(ctx, q,
		u.ID, u.Name, u.Email, rec.PasswordHash, u.Phone, u.Role, string(addr), string(biz),
		u.CreditLimit, u.UsedCredit, httpx.NilIfEmpty(u.Avatar), u.IsVerified, u.Status, u.CreatedAt, u.UpdatedAt,
	); err != nil {
		if store.IsUniqueViolation(err) {
			return User{}, apperr.Conflict("user already exists with this email")
		}
		return User{}, err
	}
	return u, nil
}

// Login checks credentials and returns a fresh token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (User, string, error) {
	rec, err := s.getByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			return User{}, "", apperr.Unauthorized("invalid credentials")
		}
		return User{}, "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(req.Password)) != nil {
		return User{}, "", apperr.Unauthorized("invalid credentials")
	}
	if rec.Status != StatusActive {
		return User{}, "", apperr.Forbidden("your account is " + rec.Status)
	}
	token, err := s.tokens.Issue(rec.User)
	if err != nil {
		return User{}, "", err
	}
	return rec.User, token, nil
}

func (s *Service) UpdatePassword(ctx context.Context, userID string, req UpdatePasswordRequest) error {
	rec, err := s.getRecord(ctx, userID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(req.CurrentPassword)) != nil {
		return apperr.Unauthorized("current password is incorrect")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	if s.db == nil {
		s.memMu.Lock()
		rec := s.memByID[userID]
		rec.PasswordHash = string(hash)
		rec.UpdatedAt = now
		s.memByID[userID] = rec
		s.memMu.Unlock()
		return nil
	}
	_, err = s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=$3 WHERE id=$1`, userID, string(hash), now)
	return err
}

// ---------------------------------------------------------------------------
// CRUD - Read
// ---------------------------------------------------------------------------

const userColumns = `id, name, email, password_hash, phone, role, address, business_details, credit_limit, used_credit, avatar, is_verified, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (userRecord, error) {
	var rec userRecord
	var addr, biz []byte
	var avatar sql.NullString
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Email, &rec.PasswordHash, &rec.Phone, &rec.Role,
		&addr, &biz, &rec.CreditLimit, &rec.UsedCredit, &avatar, &rec.IsVerified, &rec.Status,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return userRecord{}, err
	}
	_ = json.Unmarshal(addr, &rec.Address)
	_ = json.Unmarshal(biz, &rec.BusinessDetails)
	rec.Avatar = avatar.String
	return rec, nil
}

func (s *Service) getRecord(ctx context.Context, id string) (userRecord, error) {
	if s.db == nil {
		s.memMu.RLock()
		rec, ok := s.memByID[id]
		s.memMu.RUnlock()
		if !ok {
			return userRecord{}, apperr.NotFound("user")
		}
		return rec, nil
	}
	rec, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return userRecord{}, apperr.NotFound("user")
	}
	return rec, err
}

func (s *Service) getByEmail(ctx context.Context, email string) (userRecord, error) {
	if s.db == nil {
		s.memMu.RLock()
		defer s.memMu.RUnlock()
		id, ok := s.memByEmail[email]
		if !ok {
			return userRecord{}, apperr.NotFound("user")
		}
		return s.memByID[id], nil
	}
	rec, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return userRecord{}, apperr.NotFound("user")
	}
	return rec, err
}

func (s *Service) Get(ctx context.Context, id string) (User, error) {
	rec, err := s.getRecord(ctx, id)
	if err != nil {
		return User{}, err
	}
	return rec.User, nil
}

// ---------------------------------------------------------------------------
// CRUD - List
// ---------------------------------------------------------------------------

func (s *Service) List(ctx context.Context, f UserFilter) (UserPage, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	role := normalizeRole(f.Role)
	status := normalizeStatus(f.Status)
	search := strings.ToLower(strings.TrimSpace(f.Search))

	if s.db == nil {
		s.memMu.RLock()
		items := make([]User, 0)
		for _, rec := range s.memByID {
			if role != "" && rec.Role != role {
				continue
			}
			if status != "" && rec.Status != status {
				continue
			}
			if search != "" && !strings.Contains(strings.ToLower(rec.Name), search) && !strings.Contains(rec.Email, search) {
				continue
			}
			items = append(items, rec.User)
		}
		s.memMu.RUnlock()
		sort.Slice(items, func(i, j int) bool {
			if items[i].CreatedAt.Equal(items[j].CreatedAt) {
				return items[i].ID > items[j].ID
			}
			return items[i].CreatedAt.After(items[j].CreatedAt)
		})
		return paginate(items, f.Page, f.Limit), nil
	}

	where := []string{"TRUE"}
	args := []any{}
	next := 1
	if role != "" {
		where = append(where, fmt.Sprintf("role = $%d", next))
		args = append(args, role)
		next++
	}
	if status != "" {
		where = append(where, fmt.Sprintf("status = $%d", next))
		args = append(args, status)
		next++
	}
	if search != "" {
		where = append(where, fmt.Sprintf("(name ILIKE $%d OR email ILIKE $%d)", next, next))
		args = append(args, "%"+search+"%")
		next++
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE `+cond, args...).Scan(&total); err != nil {
		return UserPage{}, err
	}
	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	q := fmt.Sprintf(`SELECT %s FROM users WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, userColumns, cond, next, next+1)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return UserPage{}, err
	}
	defer rows.Close()
	items := make([]User, 0, f.Limit)
	for rows.Next() {
		rec, err := scanUser(rows)
		if err != nil {
			return UserPage{}, err
		}
		items = append(items, rec.User)
	}
	if err := rows.Err(); err != nil {
		return UserPage{}, err
	}
	return UserPage{Items: items, Total: total, Page: f.Page, Pages: pages(total, f.Limit)}, nil
}

// ListSuppliers returns active sellers ordered by name.
func (s *Service) ListSuppliers(ctx context.Context) ([]User, error) {
	if s.db == nil {
		s.memMu.RLock()
		items := make([]User, 0)
		for _, rec := range s.memByID {
			if IsSeller(rec.Role) && rec.Status == StatusActive {
				items = append(items, rec.User)
			}
		}
		s.memMu.RUnlock()
		sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
		return items, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE role IN ('supplier','wholesaler') AND status='active' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]User, 0)
	for rows.Next() {
		rec, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec.User)
	}
	return items, rows.Err()
}

func paginate(items []User, page, limit int) UserPage {
	total := len(items)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return UserPage{Items: append([]User{}, items[start:end]...), Total: total, Page: page, Pages: pages(total, limit)}
}

func pages(total, limit int) int {
	if limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

// ---------------------------------------------------------------------------
// CRUD - Update
// ---------------------------------------------------------------------------

// AdminUpdate changes role, status, credit limit or verification.
func (s *Service) AdminUpdate(ctx context.Context, id string, req AdminUpdateRequest) (User, error) {
	if req.Role == nil && req.Status == nil && req.CreditLimit == nil && req.IsVerified == nil {
		return User{}, apperr.Invalid("empty update payload")
	}
	now := time.Now().UTC()
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		rec, ok := s.memByID[id]
		if !ok {
			return User{}, apperr.NotFound("user")
		}
		if req.Role != nil {
			rec.Role = normalizeRole(*req.Role)
		}
		if req.Status != nil {
			rec.Status = normalizeStatus(*req.Status)
		}
		if req.CreditLimit != nil {
			rec.CreditLimit = *req.CreditLimit
		}
		if req.IsVerified != nil {
			rec.IsVerified = *req.IsVerified
		}
		rec.UpdatedAt = now
		s.memByID[id] = rec
		return rec.User, nil
	}

	assignments := make([]string, 0, 5)
	args := []any{id}
	next := 2
	if req.Role != nil {
		assignments = append(assignments, fmt.Sprintf("role = $%d", next))
		args = append(args, normalizeRole(*req.Role))
		next++
	}
	if req.Status != nil {
		assignments = append(assignments, fmt.Sprintf("status = $%d", next))
		args = append(args, normalizeStatus(*req.Status))
		next++
	}
	if req.CreditLimit != nil {
		assignments = append(assignments, fmt.Sprintf("credit_limit = $%d", next))
		args = append(args, *req.CreditLimit)
		next++
	}
	if req.IsVerified != nil {
		assignments = append(assignments, fmt.Sprintf("is_verified = $%d", next))
		args = append(args, *req.IsVerified)
		next++
	}
	assignments = append(assignments, fmt.Sprintf("updated_at = $%d", next))
	args = append(args, now)
	if err := s.execUpdate(ctx, strings.Join(assignments, ", "), args); err != nil {
		return User{}, err
	}
	return s.Get(ctx, id)
}

// UpdateProfile lets a user edit their own contact details.
func (s *Service) UpdateProfile(ctx context.Context, id string, req ProfileUpdateRequest) (User, error) {
	if req.Name == nil && req.Phone == nil && req.Address == nil && req.BusinessDetails == nil && req.Avatar == nil {
		return User{}, apperr.Invalid("empty update payload")
	}
	now := time.Now().UTC()
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		rec, ok := s.memByID[id]
		if !ok {
			return User{}, apperr.NotFound("user")
		}
		if req.Name != nil {
			rec.Name = strings.TrimSpace(*req.Name)
		}
		if req.Phone != nil {
			rec.Phone = strings.TrimSpace(*req.Phone)
		}
		if req.Address != nil {
			rec.Address = *req.Address
		}
		if req.BusinessDetails != nil {
			rec.BusinessDetails = *req.BusinessDetails
		}
		if req.Avatar != nil {
			rec.Avatar = strings.TrimSpace(*req.Avatar)
		}
		rec.UpdatedAt = now
		s.memByID[id] = rec
		return rec.User, nil
	}

	assignments := make([]string, 0, 6)
	args := []any{id}
	next := 2
	if req.Name != nil {
		assignments = append(assignments, fmt.Sprintf("name = $%d", next))
		args = append(args, strings.TrimSpace(*req.Name))
		next++
	}
	if req.Phone != nil {
		assignments = append(assignments, fmt.Sprintf("phone = $%d", next))
		args = append(args, strings.TrimSpace(*req.Phone))
		next++
	}
	if req.Address != nil {
		raw, _ := json.Marshal(req.Address)
		assignments = append(assignments, fmt.Sprintf("address = $%d", next))
		args = append(args, string(raw))
		next++
	}
	if req.BusinessDetails != nil {
		raw, _ := json.Marshal(req.BusinessDetails)
		assignments = append(assignments, fmt.Sprintf("business_details = $%d", next))
		args = append(args, string(raw))
		next++
	}
	if req.Avatar != nil {
		assignments = append(assignments, fmt.Sprintf("avatar = $%d", next))
		args = append(args, strings.TrimSpace(*req.Avatar))
		next++
	}
	assignments = append(assignments, fmt.Sprintf("updated_at = $%d", next))
	args = append(args, now)
	if err := s.execUpdate(ctx, strings.Join(assignments, ", "), args); err != nil {
		return User{}, err
	}
	return s.Get(ctx, id)
}

func (s *Service) execUpdate(ctx context.Context, set string, args []any) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET `+set+` WHERE id = $1`, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound("user")
	}
	return nil
}

// ---------------------------------------------------------------------------
// CRUD - Delete
// ---------------------------------------------------------------------------

func (s *Service) Delete(ctx context.Context, actorID, id string) error {
	if actorID == id {
		return apperr.Invalid("you cannot delete your own account")
	}
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		rec, ok := s.memByID[id]
		if !ok {
			return apperr.NotFound("user")
		}
		delete(s.memByID, id)
		delete(s.memByEmail, rec.Email)
		return nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, id)
	if err != nil {
		if store.IsForeignKeyViolation(err) {
			return apperr.Conflict("user still owns products or orders; suspend the account instead")
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound("user")
	}
	return nil
}
