// Package catalog manages products, their inventory and the public
// supplier directory.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/cache"
	"erp/ecommerce/buildmart/internal/notification"
	"erp/ecommerce/buildmart/internal/platform/apperr"
	"erp/ecommerce/buildmart/internal/platform/httpx"
	"erp/ecommerce/buildmart/internal/pricing"
	"erp/ecommerce/buildmart/internal/store"
	"erp/ecommerce/buildmart/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Entity
// ---------------------------------------------------------------------------

const (
	StatusActive       = "active"
	StatusInactive     = "inactive"
	StatusDiscontinued = "discontinued"

	defaultMinWholesaleQty   = 100
	defaultLowStockThreshold = 20

	cacheNamespace = "products"
)

type Image struct {
	URL string `json:"url" validate:"required,url"`
	Alt string `json:"alt,omitempty"`
}

type Pricing struct {
	RetailPrice          float64 `json:"retail_price"`
	WholesalePrice       float64 `json:"wholesale_price"`
	MinWholesaleQuantity int     `json:"min_wholesale_quantity"`
}

type Inventory struct {
	Stock             int  `json:"stock"`
	LowStockThreshold int  `json:"low_stock_threshold"`
	InStock           bool `json:"in_stock"`
}

type Specifications struct {
	Brand      string `json:"brand,omitempty"`
	Weight     string `json:"weight,omitempty"`
	Dimensions string `json:"dimensions,omitempty"`
	Material   string `json:"material,omitempty"`
	Color      string `json:"color,omitempty"`
	Grade      string `json:"grade,omitempty"`
}

type Ratings struct {
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

type Product struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Category       string         `json:"category"`
	SubCategory    string         `json:"sub_category,omitempty"`
	Images         []Image        `json:"images"`
	Unit           string         `json:"unit"`
	Pricing        Pricing        `json:"pricing"`
	Inventory      Inventory      `json:"inventory"`
	SupplierID     string         `json:"supplier_id"`
	Specifications Specifications `json:"specifications"`
	Ratings        Ratings        `json:"ratings"`
	Featured       bool           `json:"featured"`
	Status         string         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Tier exposes the price tier inputs of p.
func (p Product) Tier() pricing.Tiered {
	return pricing.Tiered{
		RetailPrice:          p.Pricing.RetailPrice,
		WholesalePrice:       p.Pricing.WholesalePrice,
		MinWholesaleQuantity: p.Pricing.MinWholesaleQuantity,
	}
}

func (p Product) LowStock() bool {
	return p.Inventory.Stock <= p.Inventory.LowStockThreshold
}

type CreateRequest struct {
	Name                 string         `json:"name" validate:"required,max=200"`
	Description          string         `json:"description" validate:"required"`
	Category             string         `json:"category" validate:"required,oneof=cement bricks steel wood tiles sand gravel paint electrical plumbing other"`
	SubCategory          string         `json:"sub_category"`
	Images               []Image        `json:"images" validate:"dive"`
	Unit                 string         `json:"unit" validate:"required,oneof=kg ton piece bag sqft meter liter box"`
	RetailPrice          float64        `json:"retail_price" validate:"required,gte=0"`
	WholesalePrice       float64        `json:"wholesale_price" validate:"required,gte=0"`
	MinWholesaleQuantity int            `json:"min_wholesale_quantity" validate:"gte=0"`
	Stock                int            `json:"stock" validate:"gte=0"`
	LowStockThreshold    int            `json:"low_stock_threshold" validate:"gte=0"`
	Specifications       Specifications `json:"specifications"`
	Featured             bool           `json:"featured"`
	Status               string         `json:"status" validate:"omitempty,oneof=active inactive discontinued"`
}

type UpdateRequest struct {
	Name                 *string         `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Description          *string         `json:"description,omitempty" validate:"omitempty,min=1"`
	Category             *string         `json:"category,omitempty" validate:"omitempty,oneof=cement bricks steel wood tiles sand gravel paint electrical plumbing other"`
	SubCategory          *string         `json:"sub_category,omitempty"`
	Images               *[]Image        `json:"images,omitempty" validate:"omitempty,dive"`
	Unit                 *string         `json:"unit,omitempty" validate:"omitempty,oneof=kg ton piece bag sqft meter liter box"`
	RetailPrice          *float64        `json:"retail_price,omitempty" validate:"omitempty,gte=0"`
	WholesalePrice       *float64        `json:"wholesale_price,omitempty" validate:"omitempty,gte=0"`
	MinWholesaleQuantity *int            `json:"min_wholesale_quantity,omitempty" validate:"omitempty,gte=1"`
	LowStockThreshold    *int            `json:"low_stock_threshold,omitempty" validate:"omitempty,gte=0"`
	Specifications       *Specifications `json:"specifications,omitempty"`
	Featured             *bool           `json:"featured,omitempty"`
	Status               *string         `json:"status,omitempty" validate:"omitempty,oneof=active inactive discontinued"`
}

type Filter struct {
	Category   string
	Search     string
	MinPrice   *float64
	MaxPrice   *float64
	InStock    bool
	Featured   bool
	SupplierID string
	Sort       string
	Page       int
	Limit      int
}

type Page struct {
	Items  []Product `json:"items"`
	Total  int       `json:"total"`
	Page   int       `json:"page"`
	Pages  int       `json:"pages"`
	Cached bool      `json:"cached"`
}

// UserDirectory resolves suppliers. *auth.Service implements it.
type UserDirectory interface {
	Get(ctx context.Context, id string) (auth.User, error)
	ListSuppliers(ctx context.Context) ([]auth.User, error)
}

type Service struct {
	db       *sql.DB
	cache    cache.Cache
	users    UserDirectory
	notifier notification.Notifier
	metrics  *telemetry.Metrics
	log      zerolog.Logger

	memMu   sync.RWMutex
	memByID map[string]Product
}

type Deps struct {
	DB       *sql.DB
	Cache    cache.Cache
	Users    UserDirectory
	Notifier notification.Notifier
	Metrics  *telemetry.Metrics
	Log      zerolog.Logger
}

func NewService(d Deps) *Service {
	c := d.Cache
	if c == nil {
		c = cache.NewMemory(45 * time.Second)
	}
	return &Service{
		db:       d.DB,
		cache:    c,
		users:    d.Users,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		log:      d.Log.With().Str("component", "catalog").Logger(),
		memByID:  make(map[string]Product),
	}
}

// ---------------------------------------------------------------------------
// Build / Validate
// ---------------------------------------------------------------------------

func buildProduct(supplierID string, req CreateRequest) (Product, error) {
	if req.WholesalePrice > req.RetailPrice {
		return Product{}, apperr.Invalid("wholesale_price must not exceed retail_price")
	}
	minQty := req.MinWholesaleQuantity
	if minQty <= 0 {
		minQty = defaultMinWholesaleQty
	}
	threshold := req.LowStockThreshold
	if threshold <= 0 {
		threshold = defaultLowStockThreshold
	}
	status := req.Status
	if status == "" {
		status = StatusActive
	}
	images := req.Images
	if images == nil {
		images = []Image{}
	}
	now := time.Now().UTC()
	return Product{
		ID:          store.NewID("prd"),
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
		Category:    req.Category,
		SubCategory: strings.TrimSpace(req.SubCategory),
		Images:      images,
		Unit:        req.Unit,
		Pricing: Pricing{
			RetailPrice:          pricing.Round(req.RetailPrice),
			WholesalePrice:       pricing.Round(req.WholesalePrice),
			MinWholesaleQuantity: minQty,
		},
		Inventory: Inventory{
			Stock:             req.Stock,
			LowStockThreshold: threshold,
			InStock:           req.Stock > 0,
		},
		SupplierID:     supplierID,
		Specifications: req.Specifications,
		Featured:       req.Featured,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// canManage reports whether p may edit a product owned by supplierID.
func canManage(p auth.Principal, supplierID string) bool {
	return p.IsAdmin() || p.ID == supplierID
}

// ---------------------------------------------------------------------------
// DB / Scan
// ---------------------------------------------------------------------------

const productColumns = `id, name, description, category, sub_category, images, unit, retail_price, wholesale_price, min_wholesale_quantity, stock, low_stock_threshold, in_stock, supplier_id, specifications, rating_average, rating_count, featured, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (Product, error) {
	var p Product
	var subCategory sql.NullString
	var images, specs []byte
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Category, &subCategory, &images, &p.Unit,
		&p.Pricing.RetailPrice, &p.Pricing.WholesalePrice, &p.Pricing.MinWholesaleQuantity,
		&p.Inventory.Stock, &p.Inventory.LowStockThreshold, &p.Inventory.InStock, &p.SupplierID,
		&specs, &p.Ratings.Average, &p.Ratings.Count, &p.Featured, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Product{}, err
	}
	p.SubCategory = subCategory.String
	_ = json.Unmarshal(images, &p.Images)
	if p.Images == nil {
		p.Images = []Image{}
	}
	_ = json.Unmarshal(specs, &p.Specifications)
	return p, nil
}

func jsonText(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(raw)
}

// ---------------------------------------------------------------------------
// CRUD - Create
// ---------------------------------------------------------------------------

func (s *Service) Create(ctx context.Context, caller auth.Principal, req CreateRequest) (Product, error) {
	p, err := buildProduct(caller.ID, req)
	if err != nil {
		return Product{}, err
	}
	if s.db == nil {
		s.memMu.Lock()
		s.memByID[p.ID] = p
		s.memMu.Unlock()
		s.InvalidateListings(ctx)
		return p, nil
	}
	q := `INSERT INTO products (` + productColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`
	if _, err := s.db.ExecContext(ctx, q,
		p.ID, p.Name, p.Description, p.Category, httpx.NilIfEmpty(p.SubCategory), jsonText(p.Images), p.Unit,
		p.Pricing.RetailPrice, p.Pricing.WholesalePrice, p.Pricing.MinWholesaleQuantity,
		p.Inventory.Stock, p.Inventory.LowStockThreshold, p.Inventory.InStock, p.SupplierID,
		jsonText(p.Specifications), p.Ratings.Average, p.Ratings.Count, p.Featured, p.Status, p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return Product{}, err
	}
	s.InvalidateListings(ctx)
	return p, nil
}

// ---------------------------------------------------------------------------
// CRUD - Read
// ---------------------------------------------------------------------------

func (s *Service) Get(ctx context.Context, id string) (Product, error) {
	if s.db == nil {
		s.memMu.RLock()
		p, ok := s.memByID[id]
		s.memMu.RUnlock()
		if !ok {
			return Product{}, apperr.NotFound("product")
		}
		return p, nil
	}
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, apperr.NotFound("product")
	}
	return p, err
}

// ---------------------------------------------------------------------------
// CRUD - List
// ---------------------------------------------------------------------------

func (f Filter) cacheKey() string {
	price := func(v *float64) string {
		if v == nil {
			return ""
		}
		return strconv.FormatFloat(*v, 'f', 2, 64)
	}
	return cache.Key(cacheNamespace, f.Category, strings.ToLower(f.Search), price(f.MinPrice), price(f.MaxPrice),
		strconv.FormatBool(f.InStock), strconv.FormatBool(f.Featured), f.SupplierID, f.Sort,
		strconv.Itoa(f.Page), strconv.Itoa(f.Limit))
}

// List returns active products matching f. Results are served from the list
// cache for CACHE_TTL.
func (s *Service) List(ctx context.Context, f Filter) (Page, error) {
	if f.Limit <= 0 {
		f.Limit = 12
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	key := f.cacheKey()
	var cached Page
	if s.cache.Get(ctx, key, &cached) {
		s.metrics.CacheLookup(true)
		cached.Cached = true
		return cached, nil
	}
	s.metrics.CacheLookup(false)

	var (
		page Page
		err  error
	)
	if s.db == nil {
		page = s.listMemory(f)
	} else {
		page, err = s.listDB(ctx, f)
		if err != nil {
			return Page{}, err
		}
	}
	s.cache.Set(ctx, key, page)
	return page, nil
}

func orderClause(sortKey string) string {
	switch sortKey {
	case "created_at":
		return "created_at ASC, id ASC"
	case "price":
		return "retail_price ASC, id ASC"
	case "-price":
		return "retail_price DESC, id DESC"
	case "-rating":
		return "rating_average DESC, rating_count DESC, id DESC"
	case "name":
		return "name ASC, id ASC"
	default:
		return "created_at DESC, id DESC"
	}
}

func (s *Service) listDB(ctx context.Context, f Filter) (Page, error) {
	args := []any{StatusActive}
	where := []string{"status = $1"}
	next := 2
	if f.Category != "" {
		where = append(where, fmt.Sprintf("category = $%d", next))
		args = append(args, strings.ToLower(f.Category))
		next++
	}
	if f.Search != "" {
		where = append(where, fmt.Sprintf("(to_tsvector('simple', name || ' ' || description) @@ plainto_tsquery('simple', $%d) OR name ILIKE $%d)", next, next+1))
		args = append(args, f.Search, "%"+f.Search+"%")
		next += 2
	}
	if f.MinPrice != nil {
		where = append(where, fmt.Sprintf("retail_price >= $%d", next))
		args = append(args, *f.MinPrice)
		next++
	}
	if f.MaxPrice != nil {
		where = append(where, fmt.Sprintf("retail_price <= $%d", next))
		args = append(args, *f.MaxPrice)
		next++
	}
	if f.InStock {
		where = append(where, "in_stock = TRUE")
	}
	if f.Featured {
		where = append(where, "featured = TRUE")
	}
	if f.SupplierID != "" {
		where = append(where, fmt.Sprintf("supplier_id = $%d", next))
		args = append(args, f.SupplierID)
		next++
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products WHERE `+cond, args...).Scan(&total); err != nil {
		return Page{}, err
	}
	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	q := fmt.Sprintf(`SELECT %s FROM products WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		productColumns, cond, orderClause(f.Sort), next, next+1)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()
	items := make([]Product, 0, f.Limit)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return Page{}, err
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	return Page{Items: items, Total: total, Page: f.Page, Pages: pageCount(total, f.Limit)}, nil
}

func (s *Service) listMemory(f Filter) Page {
	search := strings.ToLower(f.Search)
	category := strings.ToLower(f.Category)
	s.memMu.RLock()
	items := make([]Product, 0)
	for _, p := range s.memByID {
		if p.Status != StatusActive {
			continue
		}
		if category != "" && p.Category != category {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(p.Name), search) && !strings.Contains(strings.ToLower(p.Description), search) {
			continue
		}
		if f.MinPrice != nil && p.Pricing.RetailPrice < *f.MinPrice {
			continue
		}
		if f.MaxPrice != nil && p.Pricing.RetailPrice > *f.MaxPrice {
			continue
		}
		if f.InStock && !p.Inventory.InStock {
			continue
		}
		if f.Featured && !p.Featured {
			continue
		}
		if f.SupplierID != "" && p.SupplierID != f.SupplierID {
			continue
		}
		items = append(items, p)
	}
	s.memMu.RUnlock()

	sort.Slice(items, lessFunc(items, f.Sort))
	total := len(items)
	start := (f.Page - 1) * f.Limit
	if start > total {
		start = total
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return Page{Items: append([]Product{}, items[start:end]...), Total: total, Page: f.Page, Pages: pageCount(total, f.Limit)}
}

func lessFunc(items []Product, sortKey string) func(i, j int) bool {
	newest := func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	}
	switch sortKey {
	case "created_at":
		return func(i, j int) bool { return newest(j, i) }
	case "price":
		return func(i, j int) bool {
			if items[i].Pricing.RetailPrice == items[j].Pricing.RetailPrice {
				return items[i].ID < items[j].ID
			}
			return items[i].Pricing.RetailPrice < items[j].Pricing.RetailPrice
		}
	case "-price":
		return func(i, j int) bool {
			if items[i].Pricing.RetailPrice == items[j].Pricing.RetailPrice {
				return items[i].ID > items[j].ID
			}
			return items[i].Pricing.RetailPrice > items[j].Pricing.RetailPrice
		}
	case "-rating":
		return func(i, j int) bool {
			if items[i].Ratings.Average == items[j].Ratings.Average {
				return items[i].Ratings.Count > items[j].Ratings.Count
			}
			return items[i].Ratings.Average > items[j].Ratings.Average
		}
	case "name":
		return func(i, j int) bool { return items[i].Name < items[j].Name }
	default:
		return newest
	}
}

func pageCount(total, limit int) int {
	if limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

// LowStock lists products at or below their threshold. Sellers only see
// their own products.
func (s *Service) LowStock(ctx context.Context, caller auth.Principal) ([]Product, error) {
	supplier := ""
	if !caller.IsAdmin() {
		supplier = caller.ID
	}
	if s.db == nil {
		s.memMu.RLock()
		items := make([]Product, 0)
		for _, p := range s.memByID {
			if supplier != "" && p.SupplierID != supplier {
				continue
			}
			if p.LowStock() {
				items = append(items, p)
			}
		}
		s.memMu.RUnlock()
		sort.Slice(items, func(i, j int) bool { return items[i].Inventory.Stock < items[j].Inventory.Stock })
		return items, nil
	}
	args := []any{}
	q := `SELECT ` + productColumns + ` FROM products WHERE stock <= low_stock_threshold`
	if supplier != "" {
		q += ` AND supplier_id = $1`
		args = append(args, supplier)
	}
	q += ` ORDER BY stock ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// ---------------------------------------------------------------------------
// CRUD - Update
// ---------------------------------------------------------------------------

func (s *Service) Update(ctx context.Context, caller auth.Principal, id string, req UpdateRequest) (Product, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return Product{}, err
	}
	if !canManage(caller, current.SupplierID) {
		return Product{}, apperr.Forbidden("not authorized to update this product")
	}

	p := current
	if req.Name != nil {
		p.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		p.Description = strings.TrimSpace(*req.Description)
	}
	if req.Category != nil {
		p.Category = *req.Category
	}
	if req.SubCategory != nil {
		p.SubCategory = strings.TrimSpace(*req.SubCategory)
	}
	if req.Images != nil {
		p.Images = *req.Images
	}
	if req.Unit != nil {
		p.Unit = *req.Unit
	}
	if req.RetailPrice != nil {
		p.Pricing.RetailPrice = pricing.Round(*req.RetailPrice)
	}
	if req.WholesalePrice != nil {
		p.Pricing.WholesalePrice = pricing.Round(*req.WholesalePrice)
	}
	if req.MinWholesaleQuantity != nil {
		p.Pricing.MinWholesaleQuantity = *req.MinWholesaleQuantity
	}
	if req.LowStockThreshold != nil {
		p.Inventory.LowStockThreshold = *req.LowStockThreshold
	}
	if req.Specifications != nil {
		p.Specifications = *req.Specifications
	}
	if req.Featured != nil {
		p.Featured = *req.Featured
	}
	if req.Status != nil {
		p.Status = *req.Status
	}
	if p.Pricing.WholesalePrice > p.Pricing.RetailPrice {
		return Product{}, apperr.Invalid("wholesale_price must not exceed retail_price")
	}
	p.UpdatedAt = time.Now().UTC()

	if s.db == nil {
		s.memMu.Lock()
		latest, ok := s.memByID[id]
		if !ok {
			s.memMu.Unlock()
			return Product{}, apperr.NotFound("product")
		}
		// Stock and ratings move independently of catalog edits.
		p.Inventory.Stock = latest.Inventory.Stock
		p.Inventory.InStock = latest.Inventory.InStock
		p.Ratings = latest.Ratings
		s.memByID[id] = p
		s.memMu.Unlock()
		s.InvalidateListings(ctx)
		return p, nil
	}

	q := `UPDATE products SET name=$2, description=$3, category=$4, sub_category=$5, images=$6, unit=$7,
		retail_price=$8, wholesale_price=$9, min_wholesale_quantity=$10, low_stock_threshold=$11,
		specifications=$12, featured=$13, status=$14, updated_at=$15
		WHERE id=$1`
	res, err := s.db.ExecContext(ctx, q, id, p.Name, p.Description, p.Category, httpx.NilIfEmpty(p.SubCategory),
		jsonText(p.Images), p.Unit, p.Pricing.RetailPrice, p.Pricing.WholesalePrice, p.Pricing.MinWholesaleQuantity,
		p.Inventory.LowStockThreshold, jsonText(p.Specifications), p.Featured, p.Status, p.UpdatedAt)
	if err != nil {
		return Product{}, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return Product{}, apperr.NotFound("product")
	}
	s.InvalidateListings(ctx)
	return s.Get(ctx, id)
}

// UpdateStock sets the absolute stock level and alerts the supplier when it
// falls to or below the low-stock threshold.
func (s *Service) UpdateStock(ctx context.Context, caller auth.Principal, id string, stock int) (Product, error) {
	if stock < 0 {
		return Product{}, apperr.Invalid("stock must not be negative")
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return Product{}, err
	}
	if !canManage(caller, current.SupplierID) {
		return Product{}, apperr.Forbidden("not authorized to update this product")
	}
	now := time.Now().UTC()
	if s.db == nil {
		s.memMu.Lock()
		p, ok := s.memByID[id]
		if !ok {
			s.memMu.Unlock()
			return Product{}, apperr.NotFound("product")
		}
		p.Inventory.Stock = stock
		p.Inventory.InStock = stock > 0
		p.UpdatedAt = now
		s.memByID[id] = p
		s.memMu.Unlock()
		current = p
	} else {
		p, err := scanProduct(s.db.QueryRowContext(ctx,
			`UPDATE products SET stock=$2, in_stock=$3, updated_at=$4 WHERE id=$1 RETURNING `+productColumns,
			id, stock, stock > 0, now))
		if errors.Is(err, sql.ErrNoRows) {
			return Product{}, apperr.NotFound("product")
		}
		if err != nil {
			return Product{}, err
		}
		current = p
	}
	s.InvalidateListings(ctx)
	s.NotifyLowStock(ctx, []Product{current})
	return current, nil
}

// SetRating stores the recomputed review aggregate of a product.
func (s *Service) SetRating(ctx context.Context, id string, average float64, count int) error {
	average = pricing.Round(average)
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		p, ok := s.memByID[id]
		if !ok {
			return apperr.NotFound("product")
		}
		p.Ratings = Ratings{Average: average, Count: count}
		s.memByID[id] = p
		s.cache.Invalidate(ctx, cacheNamespace)
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE products SET rating_average=$2, rating_count=$3 WHERE id=$1`, id, average, count); err != nil {
		return err
	}
	s.InvalidateListings(ctx)
	return nil
}

// ---------------------------------------------------------------------------
// CRUD - Delete
// ---------------------------------------------------------------------------

func (s *Service) Delete(ctx context.Context, caller auth.Principal, id string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !canManage(caller, current.SupplierID) {
		return apperr.Forbidden("not authorized to delete this product")
	}
	if s.db == nil {
		s.memMu.Lock()
		delete(s.memByID, id)
		s.memMu.Unlock()
		s.InvalidateListings(ctx)
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id=$1`, id); err != nil {
		if store.IsForeignKeyViolation(err) {
			return apperr.Conflict("product is referenced by bids; discontinue it instead")
		}
		return err
	}
	s.InvalidateListings(ctx)
	return nil
}

// ---------------------------------------------------------------------------
// Cache
// ---------------------------------------------------------------------------

func (s *Service) InvalidateListings(ctx context.Context) {
	s.cache.Invalidate(ctx, cacheNamespace)
}

// NotifyLowStock alerts suppliers of products that are at or below their
// threshold.
func (s *Service) NotifyLowStock(ctx context.Context, products []Product) {
	for _, p := range products {
		if !p.LowStock() {
			continue
		}
		notification.Send(ctx, s.notifier, s.log, notification.Input{
			UserID:  p.SupplierID,
			Type:    notification.TypeStock,
			Title:   "Low Stock Alert",
			Message: fmt.Sprintf("%s is running low on stock (%d %s remaining)", p.Name, p.Inventory.Stock, p.Unit),
			Data:    map[string]any{"product_id": p.ID, "stock": p.Inventory.Stock},
			Link:    "/products/" + p.ID,
		})
	}
}
